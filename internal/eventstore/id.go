package eventstore

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a random UUID, or a time+pid identifier when the system
// random source is unavailable.
func NewID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
	}
	return id.String()
}

func validID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && id != ".."
}
