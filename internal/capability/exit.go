package capability

import (
	"os"
	"time"

	"github.com/drewfead/schedd/internal/logging"
)

func exitProcess(code int) {
	logging.Flush(2 * time.Second)
	os.Exit(code)
}
