package testlog

import (
	"testing"

	"github.com/danmuck/memtls/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start applies the test logging profile and brackets t with start and done
// lines so interleaved session logs can be attributed.
func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	name := t.Name()
	log.Debug().Str("test", name).Msg("test start")
	t.Cleanup(func() {
		log.Debug().Str("test", name).Bool("failed", t.Failed()).Msg("test done")
	})
}
