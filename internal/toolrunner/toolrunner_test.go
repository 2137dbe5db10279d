package toolrunner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapePgpassField(t *testing.T) {
	assert.Equal(t, `ho\\st`, escapePgpassField(`ho\st`))
	assert.Equal(t, `pass\:word`, escapePgpassField(`pass:word`))
	assert.Equal(t, "plain", escapePgpassField("plain"))
}

func TestRedactCredentials(t *testing.T) {
	assert.Equal(t, "login failed for ********", redactCredentials("login failed for hunter2", "hunter2"))
	assert.Equal(t, "no password here", redactCredentials("no password here", ""))
}

func TestIsRetryableToolError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("resource temporarily unavailable"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("exit status 1"), false},
		{errors.New("pg_dump: error: schema \"foo\" does not exist"), false},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, isRetryableToolError(test.err), test.err.Error())
	}
}

func TestSanitizeDirName(t *testing.T) {
	assert.Equal(t, "shop_orders", sanitizeDirName("shop_orders"))
	assert.Equal(t, "shop_orders", sanitizeDirName("shop/orders"))
	assert.Equal(t, "c__windows_path", sanitizeDirName("c:\\windows\\path"))
}

func TestPgDumpArgs_SchemaOnly(t *testing.T) {
	args := PgDumpArgs("shop", true, nil, []string{"public.audit_log"}, "/tmp/dumps")
	assert.Contains(t, args, "--schema-only")
	assert.NotContains(t, args, "--data-only")
	assert.Contains(t, args, "--exclude-table")
	idx := indexOf(args, "--exclude-table")
	assert.Equal(t, "public.audit_log", args[idx+1])
	assert.Equal(t, "shop", args[len(args)-1])
}

func TestPgDumpArgs_DataOnlyWithIncludeTables(t *testing.T) {
	args := PgDumpArgs("shop", false, []string{"public.orders", "public.customers"}, nil, "/tmp/dumps")
	assert.Contains(t, args, "--data-only")
	assert.NotContains(t, args, "--schema-only")

	count := 0
	for i, a := range args {
		if a == "--table" {
			count++
			assert.Contains(t, []string{"public.orders", "public.customers"}, args[i+1])
		}
	}
	assert.Equal(t, 2, count)
}

func TestPgDumpArgs_OutputDirUsesDatabaseName(t *testing.T) {
	args := PgDumpArgs("shop", true, nil, nil, "/tmp/dumps")
	idx := indexOf(args, "--file")
	assert.Equal(t, "/tmp/dumps/shop", args[idx+1])
}

func TestPgDumpAllGlobalsArgs(t *testing.T) {
	args := PgDumpAllGlobalsArgs("/tmp/dumps/globals.sql")
	assert.Contains(t, args, "--globals-only")
	idx := indexOf(args, "--file")
	assert.Equal(t, "/tmp/dumps/globals.sql", args[idx+1])
}

func indexOf(args []string, target string) int {
	for i, a := range args {
		if a == target {
			return i
		}
	}
	return -1
}
