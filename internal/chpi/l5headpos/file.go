package l5headpos

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/fsutil"
)

// NumColumns is the number of columns in a head-position row.
const NumColumns = 10

// Header is the first line of a head-position file.
const Header = " Time       q1       q2       q3       q4       q5       q6       g-value  error    velocity"

// Write stores samples as a head-position file. A nil fsys writes to disk.
func Write(fsys fsutil.FileSystem, path string, samples []chpi.HeadPositionSample) error {
	rows := make([][]float64, len(samples))
	for i, s := range samples {
		rows[i] = s.Row()
	}
	return WriteRows(fsys, path, rows)
}

// WriteRows stores raw ten-column rows as a head-position file. Rows with
// a non-finite value are rejected, matching what ReadRows accepts.
func WriteRows(fsys fsutil.FileSystem, path string, rows [][]float64) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty head position path", chpi.ErrInvalidPath)
	}
	var buf bytes.Buffer
	buf.WriteString(Header)
	buf.WriteByte('\n')
	for i, row := range rows {
		if len(row) != NumColumns {
			return fmt.Errorf("%w: row %d has %d columns, want %d", chpi.ErrFormat, i, len(row), NumColumns)
		}
		if !chpi.AllFinite(row) {
			return fmt.Errorf("%w: row %d has a non-finite value", chpi.ErrFormat, i)
		}
		fmt.Fprintf(&buf, " % 9.3f", row[0])
		for _, v := range row[1:] {
			fmt.Fprintf(&buf, " % 8.5f", v)
		}
		buf.WriteByte('\n')
	}
	if err := fsutil.WriteFileAll(orDisk(fsys), path, buf.Bytes()); err != nil {
		return fmt.Errorf("write head positions: %w", err)
	}
	return nil
}

// Read parses a head-position file. A missing file wraps fs.ErrNotExist;
// malformed rows yield ErrFormat. A nil fsys reads from disk.
func Read(fsys fsutil.FileSystem, path string) ([]chpi.HeadPositionSample, error) {
	rows, err := ReadRows(fsys, path)
	if err != nil {
		return nil, err
	}
	out := make([]chpi.HeadPositionSample, len(rows))
	for i, row := range rows {
		out[i] = chpi.SampleFromRow(row)
	}
	return out, nil
}

// ReadRows parses a head-position file into raw rows. Every value must be
// finite.
func ReadRows(fsys fsutil.FileSystem, path string) ([][]float64, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty head position path", chpi.ErrInvalidPath)
	}
	data, err := orDisk(fsys).ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read head positions: %w", err)
	}
	var rows [][]float64
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "Time") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != NumColumns {
			return nil, fmt.Errorf("%w: %s line %d has %d columns, want %d", chpi.ErrFormat, path, line, len(fields), NumColumns)
		}
		row := make([]float64, NumColumns)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: %s line %d column %d: %q", chpi.ErrFormat, path, line, i+1, f)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read head positions: %w", err)
	}
	return rows, nil
}

func orDisk(fsys fsutil.FileSystem) fsutil.FileSystem {
	if fsys == nil {
		return fsutil.OSFileSystem{}
	}
	return fsys
}
