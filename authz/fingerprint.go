package authz

import (
	"encoding/hex"
	"errors"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// hardwareSources are read in order; every non-empty one feeds the digest.
var hardwareSources = []string{
	"/sys/class/dmi/id/product_uuid",
	"/proc/cpuinfo",
	"/etc/machine-id",
}

// ErrNoHardwareID is returned when no hardware identifier could be read.
var ErrNoHardwareID = errors.New("authz: no hardware identifier available")

// Fingerprinter derives a stable device fingerprint from hardware ids.
type Fingerprinter struct {
	ReadFile func(string) ([]byte, error)
	// Extra ids supplied by the host app (e.g. an Android ANDROID_ID).
	Extra []string
}

// HardwareIDs returns the identifiers found on this machine, sorted.
func (f Fingerprinter) HardwareIDs() []string {
	read := f.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	var ids []string
	for _, path := range hardwareSources {
		b, err := read(path)
		if err != nil {
			continue
		}
		if path == "/proc/cpuinfo" {
			if serial := cpuSerial(string(b)); serial != "" {
				ids = append(ids, "cpu:"+serial)
			}
			continue
		}
		if id := strings.TrimSpace(string(b)); id != "" {
			ids = append(ids, path+":"+id)
		}
	}
	for _, e := range f.Extra {
		if e = strings.TrimSpace(e); e != "" {
			ids = append(ids, "app:"+e)
		}
	}
	sort.Strings(ids)
	return ids
}

// Fingerprint returns the hex BLAKE2b-256 digest of the hardware ids and
// the station identity. The raw ids never leave the device.
func (f Fingerprinter) Fingerprint(station string) (string, error) {
	ids := f.HardwareIDs()
	if len(ids) == 0 {
		return "", ErrNoHardwareID
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte("pointscan-device-v1\x00"))
	h.Write([]byte(station))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// cpuSerial extracts the "Serial : ..." line of /proc/cpuinfo (ARM boards).
func cpuSerial(cpuinfo string) string {
	for _, line := range strings.Split(cpuinfo, "\n") {
		if !strings.HasPrefix(line, "Serial") {
			continue
		}
		if _, v, ok := strings.Cut(line, ":"); ok {
			v = strings.TrimSpace(v)
			if v != "" && strings.Trim(v, "0") != "" {
				return v
			}
		}
	}
	return ""
}
