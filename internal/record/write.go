package record

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CSVColumns is the fixed CSV column order.
var CSVColumns = []string{
	"repo_fullname",
	"repo_url",
	"issue_id",
	"issue_number",
	"issue_title",
	"issue_body",
	"issue_created_at",
	"issue_updated_at",
	"issue_url",
	"user_login",
	"commit_sha",
	"commit_message",
	"commit_date",
	"commit_has_build_file",
	"commit_build_file_name",
	"commit_check_success",
	"commit_check_info",
	"patch",
}

const csvLineEnd = "\r\n"

// WriteJSON writes records as a 2-space indented JSON array with non-ASCII and HTML left unescaped.
func WriteJSON(w io.Writer, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(records); err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	// Encode appends a newline; the artifact ends at the closing bracket.
	if _, err := w.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteCSV writes a header row and one row per record, quoting every field.
// Null values become empty fields.
func WriteCSV(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	if err := writeCSVRow(bw, CSVColumns); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writeCSVRow(bw, rec.csvFields()); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func (r Record) csvFields() []string {
	return []string{
		r.RepoFullName,
		r.RepoURL,
		strconv.FormatInt(r.IssueID, 10),
		strconv.Itoa(r.IssueNumber),
		r.IssueTitle,
		r.IssueBody,
		r.IssueCreatedAt,
		r.IssueUpdatedAt,
		r.IssueURL,
		r.UserLogin,
		deref(r.CommitSHA),
		deref(r.CommitMessage),
		deref(r.CommitDate),
		strconv.FormatBool(r.CommitHasBuildFile),
		deref(r.CommitBuildFileName),
		strconv.FormatBool(r.CommitCheckSuccess),
		deref(r.CommitCheckInfo),
		deref(r.Patch),
	}
}

func writeCSVRow(w *bufio.Writer, fields []string) error {
	for i, field := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
		}
		if _, err := w.WriteString(quoteCSV(field)); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	if _, err := w.WriteString(csvLineEnd); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func quoteCSV(field string) string {
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// SaveFiles writes records to jsonPath and csvPath. An empty path skips that artifact.
func SaveFiles(jsonPath, csvPath string, records []Record) error {
	var errs []error
	if strings.TrimSpace(jsonPath) != "" {
		if err := writeFile(jsonPath, func(w io.Writer) error { return WriteJSON(w, records) }); err != nil {
			errs = append(errs, fmt.Errorf("save json %s: %w", jsonPath, err))
		}
	}
	if strings.TrimSpace(csvPath) != "" {
		if err := writeFile(csvPath, func(w io.Writer) error { return WriteCSV(w, records) }); err != nil {
			errs = append(errs, fmt.Errorf("save csv %s: %w", csvPath, err))
		}
	}
	return errors.Join(errs...)
}

// writeFile writes through a sibling temp file and renames it into place.
func writeFile(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := tmp.Chmod(0o644); err != nil {
		cleanup()
		return err
	}
	if err := write(tmp); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
