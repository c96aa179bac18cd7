package store

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ssargent/ctxstore/pkg/query"
	"github.com/ssargent/ctxstore/pkg/record"
)

const (
	helperRootEnv  = "CTXSTORE_HELPER_ROOT"
	helperNameEnv  = "CTXSTORE_HELPER_NAME"
	helperCountEnv = "CTXSTORE_HELPER_COUNT"
)

// TestHelperProcessAppend is not a real test: it is run in a child process
// by TestStore_CrossProcessWriters
func TestHelperProcessAppend(t *testing.T) {
	root := os.Getenv(helperRootEnv)
	if root == "" {
		t.Skip("helper process only")
	}
	n, err := strconv.Atoi(os.Getenv(helperCountEnv))
	require.NoError(t, err)
	name := os.Getenv(helperNameEnv)

	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()
	for i := 0; i < n; i++ {
		_, err := s.Append(context.Background(), CategoryInsights,
			&record.Insights{Rows: []record.Insight{{Text: fmt.Sprintf("%s insight %d", name, i)}}})
		require.NoError(t, err)
	}
}

func TestStore_CrossProcessWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	root := t.TempDir()
	const procs, perProc = 3, 15

	var g errgroup.Group
	for p := 0; p < procs; p++ {
		g.Go(func() error {
			cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcessAppend$", "-test.count=1")
			cmd.Env = append(os.Environ(),
				helperRootEnv+"="+root,
				helperNameEnv+"="+fmt.Sprintf("proc%d", p),
				helperCountEnv+"="+strconv.Itoa(perProc),
			)
			out, err := cmd.CombinedOutput()
			if err != nil {
				return fmt.Errorf("helper %d: %w\n%s", p, err, out)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	s := openTestStore(t, root)
	entries := collect(t, mustIter(t)(s.ReadFiltered(context.Background(), CategoryInsights, query.All())))
	assert.Len(t, entries, procs*perProc)

	seen := make(map[string]bool)
	for _, e := range entries {
		for _, row := range e.Record.(*record.Insights).Rows {
			seen[row.Text] = true
		}
	}
	assert.Len(t, seen, procs*perProc)

	report, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status, "%v", report.Issues)
}
