package mount

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() Record {
	return Record{
		Device:     "/dev/vg_data/lv_pg",
		MountPoint: "/var/lib/pgsql",
		FSType:     "xfs",
		Options:    "defaults",
	}
}

func writeFstab(t *testing.T, content string) *Fstab {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fstab")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return &Fstab{Path: path}
}

func readLines(t *testing.T, f *Fstab) []string {
	t.Helper()
	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestUpsertAppendsNewEntry(t *testing.T) {
	f := writeFstab(t, "/dev/mapper/root / xfs defaults 0 0\n")

	require.NoError(t, f.Upsert(testRecord()))

	lines := readLines(t, f)
	assert.Len(t, lines, 2)
	assert.Equal(t, "/dev/vg_data/lv_pg /var/lib/pgsql xfs defaults 0 0", lines[1])
}

func TestUpsertUpdatesInPlace(t *testing.T) {
	f := writeFstab(t,
		"/dev/mapper/root / xfs defaults 0 0\n"+
			"/dev/vg_data/lv_pg /mnt/old xfs defaults 0 0\n"+
			"tmpfs /tmp tmpfs defaults 0 0\n")

	require.NoError(t, f.Upsert(testRecord()))

	lines := readLines(t, f)
	require.Len(t, lines, 3)
	assert.Equal(t, "/dev/vg_data/lv_pg /var/lib/pgsql xfs defaults 0 0", lines[1])
	assert.Equal(t, "tmpfs /tmp tmpfs defaults 0 0", lines[2])
}

func TestUpsertIsIdempotent(t *testing.T) {
	f := writeFstab(t, "")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.Upsert(testRecord()))
	}

	count := 0
	for _, line := range readLines(t, f) {
		if strings.HasPrefix(line, "/dev/vg_data/lv_pg ") {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one entry must exist after repeated runs")
}

func TestUpsertCreatesMissingFile(t *testing.T) {
	f := &Fstab{Path: filepath.Join(t.TempDir(), "fstab")}

	require.NoError(t, f.Upsert(testRecord()))

	lines := readLines(t, f)
	require.Len(t, lines, 1)
	assert.Equal(t, testRecord().Line(), lines[0])
}

func TestUpsertPreservesComments(t *testing.T) {
	f := writeFstab(t, "# static file system information\n/dev/mapper/root / xfs defaults 0 0\n")

	require.NoError(t, f.Upsert(testRecord()))

	lines := readLines(t, f)
	assert.Equal(t, "# static file system information", lines[0])
}

func TestEntryFor(t *testing.T) {
	f := writeFstab(t, "/dev/vg_data/lv_pg /var/lib/pgsql xfs defaults 1 2\n")

	rec, err := f.EntryFor("/dev/vg_data/lv_pg")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "/var/lib/pgsql", rec.MountPoint)
	assert.Equal(t, "xfs", rec.FSType)
	assert.Equal(t, 1, rec.Dump)
	assert.Equal(t, 2, rec.Pass)

	missing, err := f.EntryFor("/dev/other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertLeavesNoTempFile(t *testing.T) {
	f := writeFstab(t, "")
	require.NoError(t, f.Upsert(testRecord()))

	entries, err := os.ReadDir(filepath.Dir(f.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "atomic write must not leave temp files behind")
}
