package volfile

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/cuemby/brickd/pkg/log"
)

// applyFilters runs every executable file in dir with the volfile path as
// its single argument, in name order. Filters rewrite the file in place,
// after it has been renamed into its final path; a failing filter stops the
// pass and its error is returned, leaving the file as the filters run so
// far left it.
func applyFilters(dir, volfilePath string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("volfile: read filter dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	logger := log.WithComponent("volfile")
	for _, name := range names {
		filter := filepath.Join(dir, name)
		cmd := exec.Command(filter, volfilePath)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("volfile: filter %s on %s: %w (output: %s)", name, volfilePath, err, out)
		}
		logger.Debug().Str("filter", name).Str("volfile", volfilePath).Msg("applied volfile filter")
	}
	return nil
}
