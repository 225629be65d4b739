package sshc

import (
	"reflect"
	"testing"
)

func TestPrepareCommandPlain(t *testing.T) {
	got := PrepareCommand("ls -l", "", "", false)
	want := []string{"ls -l"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestPrepareCommandWithPath(t *testing.T) {
	got := PrepareCommand("ls -l", "/var/log", "", false)
	want := []string{"cd /var/log && ls -l"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestPrepareCommandPasswordSudoSplits(t *testing.T) {
	got := PrepareCommand("pwd && ls -l", "", SudoWithPassword, false)
	want := []string{
		"sudo -S -p '' pwd",
		"sudo -S -p '' ls -l",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestPrepareCommandPasswordSudoNoSplit(t *testing.T) {
	got := PrepareCommand("pwd && ls -l", "", SudoWithPassword, true)
	want := []string{"sudo -S -p '' pwd && ls -l"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestPrepareCommandPasswordlessSudoRejoins(t *testing.T) {
	got := PrepareCommand("pwd && ls -l", "", SudoWithoutPassword, false)
	want := []string{"sudo -S -p '' pwd && sudo -S -p '' ls -l"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestPrepareCommandStripsContinuations(t *testing.T) {
	got := PrepareCommand("pwd \\\n&& ls -l", "", SudoWithPassword, false)
	want := []string{
		"sudo -S -p '' pwd",
		"sudo -S -p '' ls -l",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestPrepareCommandPathWithSplitCommands(t *testing.T) {
	got := PrepareCommand("pwd && ls -l", "/opt", SudoWithPassword, false)
	want := []string{
		"cd /opt",
		"sudo -S -p '' pwd",
		"sudo -S -p '' ls -l",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestPrepareCommandPathWithPasswordSudoSingle(t *testing.T) {
	got := PrepareCommand("whoami", "/opt", SudoWithPassword, false)
	want := []string{
		"cd /opt",
		"sudo -S -p '' whoami",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestPrepareCommandSudoSingle(t *testing.T) {
	got := PrepareCommand("whoami", "/home", SudoWithoutPassword, false)
	want := []string{"cd /home && sudo -S -p '' whoami"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		statuses []int
		want     int
	}{
		{nil, 0},
		{[]int{0, 0, 0}, 0},
		{[]int{0, 1, 0, 4, 0}, 4},
		{[]int{2}, 2},
		{[]int{1, 0}, 1},
	}
	for _, tc := range cases {
		if got := AggregateStatus(tc.statuses); got != tc.want {
			t.Errorf("AggregateStatus(%v) = %d, want %d", tc.statuses, got, tc.want)
		}
	}
}
