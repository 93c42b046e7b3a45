// Package proc reads a process table from a procfs mount so the terminal
// status can report what the shared shell is currently running.
package proc

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultRoot is the procfs mount point on Linux.
const DefaultRoot = "/proc"

type Entry struct {
	PID     int    `json:"pid"`
	PPID    int    `json:"ppid"`
	Comm    string `json:"comm"`
	Cmdline string `json:"cmdline,omitempty"`
}

// Snapshot is a point-in-time view of the process table.
type Snapshot struct {
	entries  map[int]Entry
	children map[int][]int
}

// TakeSnapshot scans root (normally /proc). An unreadable root yields an
// empty snapshot, which is what non-Linux hosts get.
func TakeSnapshot(root string) *Snapshot {
	s := &Snapshot{
		entries:  make(map[int]Entry),
		children: make(map[int][]int),
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		return s
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		pid, ok := parsePID(dir.Name())
		if !ok {
			continue
		}

		stat, err := os.ReadFile(filepath.Join(root, dir.Name(), "stat"))
		if err != nil {
			continue
		}
		comm, ppid, ok := parseStat(string(stat))
		if !ok {
			continue
		}

		s.entries[pid] = Entry{
			PID:     pid,
			PPID:    ppid,
			Comm:    comm,
			Cmdline: readCmdline(filepath.Join(root, dir.Name(), "cmdline")),
		}
		s.children[ppid] = append(s.children[ppid], pid)
	}

	return s
}

// Len reports how many processes the snapshot holds.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Descendants returns every process below pid (not pid itself), breadth
// first, with siblings ordered by PID.
func (s *Snapshot) Descendants(pid int) []Entry {
	if s == nil || pid <= 0 {
		return nil
	}

	var out []Entry
	visited := map[int]struct{}{pid: {}}
	queue := []int{pid}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		kids := append([]int(nil), s.children[current]...)
		sort.Ints(kids)
		for _, kid := range kids {
			if _, seen := visited[kid]; seen {
				continue
			}
			visited[kid] = struct{}{}
			if entry, ok := s.entries[kid]; ok {
				out = append(out, entry)
			}
			queue = append(queue, kid)
		}
	}
	return out
}

func parsePID(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	pid, err := strconv.Atoi(name)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// parseStat pulls comm and ppid out of a /proc/<pid>/stat line. comm may
// itself contain spaces and parens, so it is bounded by the last ')'.
func parseStat(stat string) (string, int, bool) {
	stat = strings.TrimSpace(stat)
	lparen := strings.Index(stat, "(")
	rparen := strings.LastIndex(stat, ")")
	if lparen == -1 || rparen == -1 || rparen <= lparen || rparen+2 > len(stat) {
		return "", 0, false
	}

	comm := stat[lparen+1 : rparen]
	rest := strings.Fields(stat[rparen+1:])
	if len(rest) < 2 {
		return comm, 0, false
	}
	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return comm, 0, false
	}
	return comm, ppid, true
}

func readCmdline(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	return strings.Join(strings.FieldsFunc(string(data), func(r rune) bool { return r == 0 }), " ")
}
