package main

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/crudkit/crudkit/examples/library/app"
	"github.com/crudkit/crudkit/orm/memdb"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the mounted route table",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := memdb.New(app.NewRegistry())
		_, mounts := app.BuildHandler(engine.Manager(), app.Options{})

		sort.Slice(mounts, func(i, j int) bool {
			if mounts[i].Pattern != mounts[j].Pattern {
				return mounts[i].Pattern < mounts[j].Pattern
			}
			return mounts[i].Method < mounts[j].Method
		})

		for _, m := range mounts {
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s %-45s %s\n", colorMethod(m.Method), m.Pattern, m.Summary)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d routes\n", len(mounts))
		return nil
	},
}

func colorMethod(method string) string {
	switch method {
	case http.MethodGet:
		return color.BlueString(method)
	case http.MethodPost:
		return color.GreenString(method)
	case http.MethodDelete:
		return color.RedString(method)
	default:
		return color.YellowString(method)
	}
}
