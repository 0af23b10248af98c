package infra

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"

	"campusride/migrations"
)

func TestSplitSQLDropsCommentsAndBlanks(t *testing.T) {
	src := "-- header\nCREATE TABLE a (id INT);\n\n  -- note\nCREATE INDEX a_idx ON a (id);\n"
	stmts := splitSQL(stripSQLComments(src))
	require.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE INDEX a_idx ON a (id)"}, stmts)
}

func TestEmbeddedMigrationsParse(t *testing.T) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	for _, name := range names {
		content, err := fs.ReadFile(migrations.FS, name)
		require.NoError(t, err)
		require.NotEmpty(t, splitSQL(stripSQLComments(string(content))), name)
	}
}
