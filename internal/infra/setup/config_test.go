package setup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	dsn, err := BuildDSN("mind", "secret", "", "", "mindmap")
	require.NoError(t, err)
	assert.Equal(t, "mind:secret@tcp(127.0.0.1:3306)/mindmap?charset=utf8mb4&parseTime=True&loc=UTC", dsn)

	_, err = BuildDSN("", "secret", "db", "3306", "mindmap")
	assert.Error(t, err)
	_, err = BuildDSN("mind", "secret", "db", "3306", "")
	assert.Error(t, err)
}
