// Package project holds the in-memory project model a worker loads: a
// minimal line-oriented project file format, a dependency scheduler and the
// report and sheet checks the report worker answers.
package project

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoProject   = errors.New("no project declaration")
	ErrCycle       = errors.New("dependency cycle")
	ErrNotFound    = errors.New("not found")
	ErrUnscheduled = errors.New("project is not scheduled")
)

// Task is one unit of work.
type Task struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Effort  int      `json:"effort_days"`
	Depends []string `json:"depends,omitempty"`

	// Start and End are day offsets from the project start, set by Schedule.
	Start int `json:"start"`
	End   int `json:"end"`
}

// Report is a named output declared in a project file.
type Report struct {
	ID   string `json:"id"`
	File string `json:"file"`
}

// Project is a parsed, possibly scheduled, project.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Start     time.Time `json:"start"`
	Dir       string    `json:"dir"`
	Files     []string  `json:"files"`
	Tasks     []*Task   `json:"tasks"`
	Reports   []Report  `json:"reports"`
	Scheduled bool      `json:"scheduled"`
}

// ParseError points at the offending line.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Load parses files relative to dir, merges them into one project and
// schedules it. The first file must declare the project.
func Load(dir string, files []string) (*Project, error) {
	if len(files) == 0 {
		return nil, errors.New("no project files given")
	}

	var p *Project
	for _, name := range files {
		part, err := ParseFile(resolve(dir, name))
		if err != nil {
			return nil, err
		}
		if p == nil {
			if part.ID == "" {
				return nil, fmt.Errorf("%s: %w", name, ErrNoProject)
			}
			p = part
			p.Dir = dir
			continue
		}
		if err := p.Merge(part); err != nil {
			return nil, err
		}
	}

	if err := p.Schedule(); err != nil {
		return nil, err
	}
	return p, nil
}

// AddFile parses one more file into an already loaded project and
// reschedules. The project is left unchanged on error.
func (p *Project) AddFile(name string) error {
	part, err := ParseFile(resolve(p.Dir, name))
	if err != nil {
		return err
	}

	merged := p.clone()
	if err := merged.Merge(part); err != nil {
		return err
	}
	if err := merged.Schedule(); err != nil {
		return err
	}
	*p = *merged
	return nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// ParseFile reads a single project file.
func ParseFile(path string) (*Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads project statements from r. name is used in error messages.
//
//	project <id> "<name>" [YYYY-MM-DD]
//	task <id> "<name>" effort <n>d|<n>w [depends <id>[,<id>...]]
//	report <id> "<file>"
//
// Blank lines and lines starting with # are ignored.
func Parse(r io.Reader, name string) (*Project, error) {
	p := &Project{Files: []string{name}}
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields, err := splitFields(line)
		if err != nil {
			return nil, &ParseError{File: name, Line: lineNo, Msg: err.Error()}
		}
		fail := func(format string, args ...any) error {
			return &ParseError{File: name, Line: lineNo, Msg: fmt.Sprintf(format, args...)}
		}

		switch fields[0] {
		case "project":
			if p.ID != "" {
				return nil, fail("duplicate project declaration")
			}
			if len(fields) < 3 || len(fields) > 4 {
				return nil, fail("usage: project <id> \"<name>\" [start]")
			}
			p.ID, p.Name = fields[1], fields[2]
			if len(fields) == 4 {
				start, err := time.Parse("2006-01-02", fields[3])
				if err != nil {
					return nil, fail("bad start date %q", fields[3])
				}
				p.Start = start
			}

		case "task":
			t, err := parseTask(fields)
			if err != nil {
				return nil, fail("%v", err)
			}
			if seen[t.ID] {
				return nil, fail("duplicate task %q", t.ID)
			}
			seen[t.ID] = true
			p.Tasks = append(p.Tasks, t)

		case "report":
			if len(fields) != 3 {
				return nil, fail("usage: report <id> \"<file>\"")
			}
			p.Reports = append(p.Reports, Report{ID: fields[1], File: fields[2]})

		default:
			return nil, fail("unknown statement %q", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseTask(fields []string) (*Task, error) {
	if len(fields) < 5 || fields[3] != "effort" {
		return nil, errors.New("usage: task <id> \"<name>\" effort <n>d [depends a,b]")
	}
	effort, err := parseEffort(fields[4])
	if err != nil {
		return nil, err
	}
	t := &Task{ID: fields[1], Name: fields[2], Effort: effort}

	rest := fields[5:]
	if len(rest) > 0 {
		if rest[0] != "depends" || len(rest) != 2 {
			return nil, fmt.Errorf("unexpected %q", strings.Join(rest, " "))
		}
		for _, dep := range strings.Split(rest[1], ",") {
			if dep = strings.TrimSpace(dep); dep != "" {
				t.Depends = append(t.Depends, dep)
			}
		}
	}
	return t, nil
}

func parseEffort(s string) (int, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("bad effort %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad effort %q", s)
	}
	switch s[len(s)-1] {
	case 'd':
		return n, nil
	case 'w':
		return n * 5, nil
	default:
		return 0, fmt.Errorf("bad effort unit in %q", s)
	}
}

// splitFields splits on whitespace, keeping double-quoted strings whole.
func splitFields(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuote, quoted := false, false

	flush := func() {
		if cur.Len() > 0 || quoted {
			fields = append(fields, cur.String())
		}
		cur.Reset()
		quoted = false
	}

	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
			quoted = true
		case !inQuote && (r == ' ' || r == '\t'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, errors.New("unterminated string")
	}
	flush()
	return fields, nil
}

// Merge folds the tasks and reports of other into p. other may repeat p's
// project declaration but not name a different project.
func (p *Project) Merge(other *Project) error {
	if other.ID != "" && other.ID != p.ID {
		return fmt.Errorf("%s declares project %q, expected %q", other.Files[0], other.ID, p.ID)
	}
	for _, t := range other.Tasks {
		if p.task(t.ID) != nil {
			return fmt.Errorf("%s: duplicate task %q", other.Files[0], t.ID)
		}
	}
	p.Tasks = append(p.Tasks, other.Tasks...)
	p.Reports = append(p.Reports, other.Reports...)
	p.Files = append(p.Files, other.Files...)
	p.Scheduled = false
	return nil
}

func (p *Project) task(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Schedule places every task as early as its dependencies allow.
func (p *Project) Schedule() error {
	indegree := make(map[string]int, len(p.Tasks))
	dependents := make(map[string][]*Task)
	for _, t := range p.Tasks {
		indegree[t.ID] += 0
		for _, dep := range t.Depends {
			if p.task(dep) == nil {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t)
		}
	}

	var queue []*Task
	for _, t := range p.Tasks {
		t.Start, t.End = 0, 0
		if indegree[t.ID] == 0 {
			queue = append(queue, t)
		}
	}

	placed := 0
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		t.End = t.Start + t.Effort
		placed++

		for _, next := range dependents[t.ID] {
			if t.End > next.Start {
				next.Start = t.End
			}
			indegree[next.ID]--
			if indegree[next.ID] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if placed != len(p.Tasks) {
		var stuck []string
		for _, t := range p.Tasks {
			if indegree[t.ID] > 0 {
				stuck = append(stuck, t.ID)
			}
		}
		return fmt.Errorf("%w between tasks %s", ErrCycle, strings.Join(stuck, ", "))
	}
	p.Scheduled = true
	return nil
}

// Duration returns the scheduled length of the project in days.
func (p *Project) Duration() int {
	end := 0
	for _, t := range p.Tasks {
		if t.End > end {
			end = t.End
		}
	}
	return end
}

func (p *Project) clone() *Project {
	c := *p
	c.Files = append([]string(nil), p.Files...)
	c.Reports = append([]Report(nil), p.Reports...)
	c.Tasks = make([]*Task, len(p.Tasks))
	for i, t := range p.Tasks {
		tc := *t
		tc.Depends = append([]string(nil), t.Depends...)
		c.Tasks[i] = &tc
	}
	return &c
}
