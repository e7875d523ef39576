package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsPort(t *testing.T) {
	assert.True(t, containsPort("10.0.0.5:7071"))
	assert.True(t, containsPort("monitor.internal:80"))
	assert.False(t, containsPort("10.0.0.5"))
	assert.False(t, containsPort("http://host/path"))
}
