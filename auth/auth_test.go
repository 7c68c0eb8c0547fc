package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorizedExecutableTableName(t *testing.T) {
	assert.Equal(t, "authorized_executable", AuthorizedExecutable{}.TableName())
}

func TestMatchUserID(t *testing.T) {
	assert.False(t, matchUserID("", 5))
	assert.True(t, matchUserID("1,2,3", 2))
	assert.False(t, matchUserID("1,2,3", 4))
	assert.True(t, matchUserID("0,7", 99), "a 0 entry is a wildcard permitting any user")
	assert.False(t, matchUserID("not-a-number", 1))
}

func TestJoinUserIDs(t *testing.T) {
	assert.Equal(t, "", joinUserIDs(nil))
	assert.Equal(t, "1", joinUserIDs([]uint64{1}))
	assert.Equal(t, "1,2,3", joinUserIDs([]uint64{1, 2, 3}))
}
