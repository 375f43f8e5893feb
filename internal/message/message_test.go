package message

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessages_PrefixesAndQuiet(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetNoColor(true)
	defer func() {
		SetOutput(os.Stdout)
		SetQuiet(false)
		SetSilent(false)
	}()

	Success("wrote %d files", 2)
	Warning("source %s partial", "SignIn")
	Error("boom")
	assert.Equal(t, "[+] wrote 2 files\n[!] source SignIn partial\n[-] boom\n", buf.String())

	buf.Reset()
	SetQuiet(true)
	Info("hidden")
	Success("hidden")
	Section("hidden")
	assert.Empty(t, buf.String())

	Warning("still shown")
	RiskHeading("High", "[HIGH] NoMFA (1 instance)")
	Detail("alice@contoso.com: no methods")
	assert.Equal(t, "[!] still shown\n\n[HIGH] NoMFA (1 instance)\n    alice@contoso.com: no methods\n", buf.String())
}

func TestMessages_SilentKeepsCritical(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetNoColor(true)
	SetSilent(true)
	defer func() {
		SetOutput(os.Stdout)
		SetSilent(false)
	}()

	Warning("hidden")
	Error("hidden")
	RiskHeading("Critical", "hidden")
	Critical("token expired")
	assert.Equal(t, "[!!] token expired\n", buf.String())
}

func TestEmphasize_PlainWithoutColor(t *testing.T) {
	SetNoColor(true)
	assert.Equal(t, "alice", Emphasize("alice"))
}
