package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaims_Exclusive(t *testing.T) {
	req := require.New(t)
	c := NewClaims()

	req.True(c.Claim("msg:q:a", 1))
	req.False(c.Claim("msg:q:a", 2), "a claimed row belongs to one transaction")
	req.False(c.Claim("msg:q:a", 1), "re-claiming within the owner is rejected too")
	req.True(c.Claim("msg:q:b", 2))
	req.Equal(2, c.Len())
}

func TestClaims_Claimed(t *testing.T) {
	req := require.New(t)
	c := NewClaims()

	c.Claim("msg:q:a", 7)
	req.True(c.Claimed("msg:q:a"))
	req.False(c.Claimed("msg:q:zzz"))
}

func TestClaims_ReleaseAll(t *testing.T) {
	req := require.New(t)
	c := NewClaims()

	c.Claim("msg:q:a", 1)
	c.Claim("msg:q:b", 1)
	c.Claim("msg:q:c", 2)

	released := c.ReleaseAll(1)
	req.Len(released, 2)
	req.Equal(1, c.Len())

	// The rows are free again for anyone.
	req.True(c.Claim("msg:q:a", 3))

	req.Empty(c.ReleaseAll(1), "second release is a no-op")
}
