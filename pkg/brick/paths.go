package brick

import (
	"crypto/md5"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/brickd/pkg/types"
)

// runDir is where a volume's pidfiles live: <workdir>/vols/<vol>/run/.
func runDir(workDir, volName string) string {
	return filepath.Join(workDir, "vols", volName, "run")
}

// PidfilePath is the supervisor pidfile for one brick:
// <workdir>/vols/<vol>/run/<host>-<exp_path>.pid with the export path's
// slashes hyphenated.
func PidfilePath(workDir, volName string, b types.Brick) string {
	base := b.Hostname + "-" + strings.ReplaceAll(b.Path, "/", "-")
	return filepath.Join(runDir(workDir, volName), base+".pid")
}

// SocketPath is the brick's Unix-domain control socket:
// <tmpDir>/<md5 of "<workdir>/vols/<vol>/run/<host>-<exp_path>">.socket.
// Hashing keeps the socket name under the sun_path length limit no matter
// how deep the export path is.
func SocketPath(tmpDir, workDir, volName string, b types.Brick) string {
	src := filepath.Join(runDir(workDir, volName),
		b.Hostname+"-"+strings.ReplaceAll(b.Path, "/", "-"))
	sum := md5.Sum([]byte(src))
	return filepath.Join(tmpDir, fmt.Sprintf("%x.socket", sum))
}

// VolfileID names the volfile a brick process asks for:
// "<volname>.<hostname>.<exp_path with slashes hyphenated>".
func VolfileID(volName string, b types.Brick) string {
	return volName + "." + b.Hostname + "." + strings.ReplaceAll(b.Path, "/", "-")
}
