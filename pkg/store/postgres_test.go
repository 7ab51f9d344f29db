package store

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestContentDigestProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("digest is deterministic and hex encoded", prop.ForAll(
		func(content string) bool {
			d := ContentDigest(content)
			return d == ContentDigest(content) && len(d) == 64 && strings.Trim(d, "0123456789abcdef") == ""
		},
		gen.AnyString(),
	))

	properties.Property("different content gives different digests", prop.ForAll(
		func(a, b string) bool {
			return a == b || ContentDigest(a) != ContentDigest(b)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestVersionKey(t *testing.T) {
	v := "9.01"
	assert.Equal(t, "", VersionKey(nil))
	assert.Equal(t, "9.01", VersionKey(&v))
}

func TestSchemaDeclaresIdempotencyConstraints(t *testing.T) {
	assert.Contains(t, schemaSQL, "CONSTRAINT game_updates_idempotency UNIQUE (game_id, version_key, content_digest)")
	assert.Contains(t, schemaSQL, "CONSTRAINT notifications_once UNIQUE (user_id, game_update_id)")
}

func TestNewPostgresRepositoryBadURI(t *testing.T) {
	_, err := NewPostgresRepository(context.Background(), PostgresConfig{URI: "::not a uri::"}, nil)
	assert.Error(t, err)
}
