package ui

import (
	"bytes"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpinnerUpdate(t *testing.T) {
	task := func() (string, error) { return "done", nil }

	tests := []struct {
		name string
		key  tea.KeyMsg
	}{
		{"q", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}},
		{"esc", tea.KeyMsg{Type: tea.KeyEsc}},
		{"ctrl+c", tea.KeyMsg{Type: tea.KeyCtrlC}},
	}
	for _, tt := range tests {
		t.Run("quit with "+tt.name, func(t *testing.T) {
			model, cmd := NewSpinner("Transferring", task).Update(tt.key)
			assert.True(t, model.(SpinnerModel).quitting)
			assert.NotNil(t, cmd)
			assert.Contains(t, model.View(), "Cancelled")
		})
	}

	t.Run("done", func(t *testing.T) {
		model, cmd := NewSpinner("Transferring", task).Update(SpinnerDoneMsg{Result: "transfer completed"})
		assert.NotNil(t, cmd)
		assert.Contains(t, model.View(), "transfer completed")
	})

	t.Run("failed", func(t *testing.T) {
		model, _ := NewSpinner("Transferring", task).Update(SpinnerDoneMsg{Err: errors.New("insufficient funds")})
		assert.Contains(t, model.View(), "insufficient funds")
	})

	t.Run("running shows message", func(t *testing.T) {
		s := NewSpinner("Transferring", task)
		assert.NotNil(t, s.Init())
		assert.Contains(t, s.View(), "Transferring")
	})
}

func TestSpin_NonInteractive(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Spin(&out, "Transferring", func() (string, error) { return "transfer completed", nil }))
	assert.Contains(t, out.String(), "transfer completed")

	out.Reset()
	boom := errors.New("ledger locked")
	err := Spin(&out, "Transferring", func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, out.String(), "ledger locked")

	assert.False(t, Interactive(&out))
}

func TestProgressUpdate(t *testing.T) {
	p := NewProgress("Rebuilding balances")
	assert.Nil(t, p.Init())

	model, cmd := p.Update(ProgressMsg{Percent: 0.5, Message: "50 of 100 events"})
	assert.Nil(t, cmd)
	assert.Contains(t, model.View(), "50 of 100 events")

	model, cmd = model.Update(ProgressMsg{Percent: 1, Message: "rebuilt"})
	assert.NotNil(t, cmd)
	assert.True(t, model.(ProgressModel).done)
	assert.Contains(t, model.View(), "rebuilt")
}

func TestTable(t *testing.T) {
	table := NewTable("Account", "Balance", "Currency")
	table.AddRow("alice", "900")
	table.AddRow("bob", "100", "USD", "ignored")
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, []string{"alice", "900", ""}, table.rows[0])
	assert.Equal(t, []string{"bob", "100", "USD"}, table.rows[1])

	out := table.Render()
	for _, s := range []string{"Account", "alice", "bob", "USD"} {
		assert.Contains(t, out, s)
	}
	assert.NotContains(t, out, "ignored")

	assert.Empty(t, (&Table{}).Render())
}

func TestStatusBadge(t *testing.T) {
	for _, status := range []string{"completed", "compensated", "failed", "unknown"} {
		assert.Contains(t, StatusBadge(status), status)
	}
}

func TestBanners(t *testing.T) {
	assert.NotEmpty(t, Banner())
	assert.Contains(t, SimpleBanner(), "keel")
	assert.Contains(t, Divider(3), "───")
}
