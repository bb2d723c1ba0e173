package misc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateNamespaceName(t *testing.T) {
	assert.NoError(t, ValidateNamespaceName("users"))
	assert.NoError(t, ValidateNamespaceName("team-a"))
	assert.Error(t, ValidateNamespaceName(""))
	assert.Error(t, ValidateNamespaceName("team_a"))
	assert.Equal(t, "ns_users_", NamespaceKeyPrefix("users"))
}
