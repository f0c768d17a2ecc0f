package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crudkit/crudkit/server"
)

func TestBuildEntityManagerDefaultsToMemory(t *testing.T) {
	em, closer, err := buildEntityManager(server.DBConfig{})
	require.NoError(t, err)
	assert.NotNil(t, em)
	assert.Nil(t, closer)
}

func TestBuildEntityManagerRejectsUnknownDriver(t *testing.T) {
	_, _, err := buildEntityManager(server.DBConfig{Driver: "oracle"})
	assert.ErrorContains(t, err, "unknown db driver")
}

func TestRoutesCommandListsMounts(t *testing.T) {
	var out bytes.Buffer
	routesCmd.SetOut(&out)
	require.NoError(t, routesCmd.RunE(routesCmd, nil))

	assert.Contains(t, out.String(), "/library/{slug}")
	assert.Contains(t, out.String(), "/shelf/{library}/{slug}")
	assert.Contains(t, out.String(), "/doc/swagger.json")
}
