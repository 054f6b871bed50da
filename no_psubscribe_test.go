package redstage

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Redis Cluster does not support PSUBSCRIBE, so events go out on two plain
// channels instead. Fail if any non-test source starts pattern-subscribing.
func TestNoPSubscribeUsage(t *testing.T) {
	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), "_") || d.Name() == "testdata" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.Contains(b, []byte(".PSubscribe(")) {
			t.Errorf("%s uses PSubscribe; Redis Cluster does not support PSUBSCRIBE", path)
		}
		return nil
	})
	require.NoError(t, err)
}

// Lua scripts touch several keys at once, which a cluster only allows within
// one slot.
func TestKeysShareHashTag(t *testing.T) {
	ks := keyspace{prefix: "acme"}
	keys := []string{
		ks.list(QueuedName),
		ks.list(WorkingName),
		ks.list(DoneName),
		ks.list(FailedName),
		ks.index(),
		ks.workers(),
		ks.claims(),
		ks.deadLetter(),
	}
	for _, k := range keys {
		require.True(t, strings.HasPrefix(k, "{acme}:"), k)
	}
}
