package project

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// OutputStdout as the "output" attribute renders a report to the caller
// instead of its declared file.
const OutputStdout = "-"

// MatchReports returns the reports whose ID equals id, or matches it as a
// regular expression when regex is set. An empty id matches everything.
func (p *Project) MatchReports(id string, regex bool) ([]Report, error) {
	if id == "" {
		return append([]Report(nil), p.Reports...), nil
	}

	var re *regexp.Regexp
	if regex {
		var err error
		if re, err = regexp.Compile(id); err != nil {
			return nil, fmt.Errorf("bad report pattern: %w", err)
		}
	}

	var out []Report
	for _, r := range p.Reports {
		if (re != nil && re.MatchString(r.ID)) || (re == nil && r.ID == id) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("report %q: %w", id, ErrNotFound)
	}
	return out, nil
}

// ListReports writes the matching report IDs and files to w.
func (p *Project) ListReports(w io.Writer, id string, regex bool) error {
	reports, err := p.MatchReports(id, regex)
	if err != nil {
		return err
	}
	for _, r := range reports {
		fmt.Fprintf(w, "%-20s %s\n", r.ID, r.File)
	}
	return nil
}

// GenerateReports renders each matching report as a CSV task table. The
// attribute "output" set to "-" sends the rows to w; otherwise each report
// goes to its declared file, resolved against the project directory.
func (p *Project) GenerateReports(w io.Writer, id string, regex bool, attrs map[string]string) error {
	if !p.Scheduled {
		return ErrUnscheduled
	}
	reports, err := p.MatchReports(id, regex)
	if err != nil {
		return err
	}

	for _, r := range reports {
		if attrs["output"] == OutputStdout {
			if err := p.writeCSV(w, attrs); err != nil {
				return err
			}
			continue
		}

		path := resolve(p.Dir, r.File)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("report %s: %w", r.ID, err)
		}
		err = p.writeCSV(f, attrs)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("report %s: %w", r.ID, err)
		}
		fmt.Fprintf(w, "wrote %s\n", path)
	}
	return nil
}

func (p *Project) writeCSV(w io.Writer, attrs map[string]string) error {
	cw := csv.NewWriter(w)
	if sep := attrs["separator"]; len(sep) == 1 {
		cw.Comma = rune(sep[0])
	}

	dates := !p.Start.IsZero()
	header := []string{"id", "name", "effort", "start", "end"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, t := range p.Tasks {
		start, end := strconv.Itoa(t.Start), strconv.Itoa(t.End)
		if dates {
			start = p.Start.AddDate(0, 0, t.Start).Format("2006-01-02")
			end = p.Start.AddDate(0, 0, t.End).Format("2006-01-02")
		}
		if err := cw.Write([]string{t.ID, t.Name, strconv.Itoa(t.Effort) + "d", start, end}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SheetError lists every problem found in a time or status sheet.
type SheetError struct {
	Problems []string
}

func (e *SheetError) Error() string {
	return strings.Join(e.Problems, "; ")
}

// CheckTimeSheet validates lines of the form "<task> <hours>h".
func (p *Project) CheckTimeSheet(text string) error {
	return p.checkSheet(text, func(value string) error {
		hours, err := strconv.ParseFloat(strings.TrimSuffix(value, "h"), 64)
		if err != nil || !strings.HasSuffix(value, "h") {
			return fmt.Errorf("bad hours %q", value)
		}
		if hours < 0 || hours > 24*7 {
			return fmt.Errorf("hours %q out of range", value)
		}
		return nil
	})
}

// CheckStatusSheet validates lines of the form "<task> <percent>%".
func (p *Project) CheckStatusSheet(text string) error {
	return p.checkSheet(text, func(value string) error {
		pct, err := strconv.Atoi(strings.TrimSuffix(value, "%"))
		if err != nil || !strings.HasSuffix(value, "%") {
			return fmt.Errorf("bad completion %q", value)
		}
		if pct < 0 || pct > 100 {
			return fmt.Errorf("completion %q out of range", value)
		}
		return nil
	})
}

func (p *Project) checkSheet(text string, check func(string) error) error {
	var problems []string
	entries := 0

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			problems = append(problems, fmt.Sprintf("line %d: expected <task> <value>", lineNo))
			continue
		}
		entries++
		if p.task(fields[0]) == nil {
			problems = append(problems, fmt.Sprintf("line %d: unknown task %q", lineNo, fields[0]))
		}
		if err := check(fields[1]); err != nil {
			problems = append(problems, fmt.Sprintf("line %d: %v", lineNo, err))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if entries == 0 && len(problems) == 0 {
		return errors.New("sheet has no entries")
	}
	if len(problems) > 0 {
		return &SheetError{Problems: problems}
	}
	return nil
}
