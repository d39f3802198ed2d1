package destination

import (
	"testing"

	"github.com/torlando-tech/microreticulum-go/identity"
)

func mockIdentity(t *testing.T) (*identity.Identity, error) {
	t.Helper()
	return identity.New()
}
