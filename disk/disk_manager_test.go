package disk_test

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"relcore/common"
	"relcore/disk"
)

func tempFile(t *testing.T) string {
	id, err := uuid.NewUUID()
	require.NoError(t, err)
	path := id.String() + ".db"
	t.Cleanup(func() { _ = os.Remove(path) })
	return path
}

func TestWriteThenReadPage_RoundTrips(t *testing.T) {
	dm, err := disk.NewFileManager(tempFile(t))
	require.NoError(t, err)
	defer dm.Close()

	id := dm.AllocatePage()
	buf := make([]byte, common.PageSize)
	buf[0], buf[common.PageSize-1] = 0xAB, 0xCD

	require.NoError(t, dm.WritePage(id, buf))

	out := make([]byte, common.PageSize)
	require.NoError(t, dm.ReadPage(id, out))
	require.Equal(t, buf, out)
}

func TestAllocatePage_NeverReturnsHeaderOrDuplicates(t *testing.T) {
	dm, err := disk.NewFileManager(tempFile(t))
	require.NoError(t, err)
	defer dm.Close()

	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		id := dm.AllocatePage()
		require.NotEqual(t, common.HeaderPageID, id)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestReadPage_NeverWritten_ReturnsZeroedPage(t *testing.T) {
	dm, err := disk.NewFileManager(tempFile(t))
	require.NoError(t, err)
	defer dm.Close()

	id := dm.AllocatePage()
	out := make([]byte, common.PageSize)
	require.NoError(t, dm.ReadPage(id, out))
	require.Equal(t, make([]byte, common.PageSize), out)
}
