package version

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	v := Get()
	if v == "" {
		t.Fatal("version is empty")
	}
	if strings.ContainsAny(v, " \n\t") {
		t.Errorf("version %q contains whitespace", v)
	}
	if got := UserAgent(); got != "pgbolt/"+v {
		t.Errorf("UserAgent() = %q", got)
	}
}
