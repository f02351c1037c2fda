package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/mmdatafocus/recruit_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// Tabular file parser: raw upload bytes in, validated candidate rows plus
// per-row diagnostics out. Pure, no I/O beyond reading the byte slice.

type UnsupportedFormatError struct {
	Ext string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported file format %q (expected .csv, .xlsx or .xls)", e.Ext)
}

type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Columns, ", "))
}

type ParsedRecord struct {
	Row            int
	Email          string
	FirstName      string
	LastName       string
	Phone          string
	Company        string
	JobTitle       string
	Source         models.CandidateSource
	ExpectedSalary *decimal.Decimal
}

type ParseResult struct {
	// TotalRows counts data rows (header excluded), valid or not.
	TotalRows int
	Records   []ParsedRecord
	RowErrors []models.ImportRowError
}

func (r *ParseResult) ErrorStrings() []string {
	out := make([]string, 0, len(r.RowErrors))
	for _, e := range r.RowErrors {
		out = append(out, fmt.Sprintf("Row %d: %s", e.Row, e.Reason))
	}
	return out
}

var requiredColumns = []string{"email", "first_name", "last_name"}

// Rows from these providers never inherit the organizational auto-classification;
// the caller-supplied default (or DIRECT) applies instead.
var freeMailProviders = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"outlook.com":    true,
	"hotmail.com":    true,
	"live.com":       true,
	"icloud.com":     true,
	"aol.com":        true,
	"proton.me":      true,
	"protonmail.com": true,
	"mail.com":       true,
	"gmx.com":        true,
}

var expectedSalaryMax = decimal.NewFromInt(100_000_000)

func DetectFileFormat(filename string) (models.ImportFileFormat, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".csv":
		return models.ImportFileFormatCSV, nil
	case ".xlsx":
		return models.ImportFileFormatXLSX, nil
	case ".xls":
		return models.ImportFileFormatXLS, nil
	}
	return "", &UnsupportedFormatError{Ext: ext}
}

// ParseCandidateFile turns file bytes into validated rows. A malformed file or
// a missing required column is fatal (no rows returned); any single-row
// violation lands in RowErrors and drops only that row.
func ParseCandidateFile(data []byte, filename string, defaultSource string) (*ParseResult, error) {
	format, err := DetectFileFormat(filename)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	switch format {
	case models.ImportFileFormatCSV:
		rows, err = readCSV(data)
	default:
		rows, err = readExcel(data)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &MissingColumnsError{Columns: requiredColumns}
	}

	header := normalizeHeader(rows[0])
	if missing := missingColumns(header); len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	result := &ParseResult{}
	for i, raw := range rows[1:] {
		rowNo := i + 1
		if isBlankRow(raw) {
			continue
		}
		result.TotalRows++

		rec, rowErr := parseRow(rowNo, raw, header, defaultSource)
		if rowErr != nil {
			result.RowErrors = append(result.RowErrors, *rowErr)
			continue
		}
		result.Records = append(result.Records, *rec)
	}

	return result, nil
}

func readCSV(data []byte) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rows, nil
}

func readExcel(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func normalizeHeader(raw []string) map[string]int {
	header := make(map[string]int, len(raw))
	for i, col := range raw {
		name := strings.ToLower(strings.TrimSpace(col))
		name = strings.ReplaceAll(name, " ", "_")
		if name == "" {
			continue
		}
		if _, exists := header[name]; !exists {
			header[name] = i
		}
	}
	return header
}

func missingColumns(header map[string]int) []string {
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := header[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}

func isBlankRow(raw []string) bool {
	for _, cell := range raw {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func cell(raw []string, header map[string]int, name string) string {
	idx, ok := header[name]
	if !ok || idx >= len(raw) {
		return ""
	}
	return strings.TrimSpace(raw[idx])
}

func parseRow(rowNo int, raw []string, header map[string]int, defaultSource string) (*ParsedRecord, *models.ImportRowError) {
	email := strings.ToLower(cell(raw, header, "email"))
	if email == "" {
		return nil, &models.ImportRowError{Row: rowNo, Value: email, Reason: "email is required"}
	}
	if !utils.IsValidEmail(email) {
		return nil, &models.ImportRowError{Row: rowNo, Value: email, Reason: "invalid email address"}
	}

	firstName := cell(raw, header, "first_name")
	lastName := cell(raw, header, "last_name")
	if firstName == "" || lastName == "" {
		return nil, &models.ImportRowError{Row: rowNo, Value: email, Reason: "first_name and last_name are required"}
	}

	rec := &ParsedRecord{
		Row:       rowNo,
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
		Company:   cell(raw, header, "company"),
		JobTitle:  cell(raw, header, "job_title"),
	}

	if phone := cell(raw, header, "phone"); phone != "" {
		if err := utils.ValidatePhoneNumber(phone, utils.CountryCode); err != nil {
			return nil, &models.ImportRowError{Row: rowNo, Value: phone, Reason: "invalid phone number"}
		}
		rec.Phone = utils.FormatPhoneNumber(phone, utils.CountryCode)
	}

	if salary := cell(raw, header, "expected_salary"); salary != "" {
		d, err := decimal.NewFromString(strings.ReplaceAll(salary, ",", ""))
		if err != nil {
			return nil, &models.ImportRowError{Row: rowNo, Value: salary, Reason: "expected_salary is not a number"}
		}
		if d.IsNegative() || d.GreaterThan(expectedSalaryMax) {
			return nil, &models.ImportRowError{Row: rowNo, Value: salary, Reason: "expected_salary is out of range"}
		}
		rec.ExpectedSalary = &d
	}

	source, rowErr := classifySource(rowNo, raw, header, email, defaultSource)
	if rowErr != nil {
		return nil, rowErr
	}
	rec.Source = source

	if rec.Company == "" && !isFreeMailDomain(email) {
		rec.Company = emailDomain(email)
	}

	return rec, nil
}

func classifySource(rowNo int, raw []string, header map[string]int, email string, defaultSource string) (models.CandidateSource, *models.ImportRowError) {
	if explicit := cell(raw, header, "source"); explicit != "" {
		source := models.CandidateSource(strings.ToUpper(explicit))
		switch source {
		case models.CandidateSourceDirect, models.CandidateSourceReferral,
			models.CandidateSourceAgency, models.CandidateSourceOrganic:
			return source, nil
		}
		return "", &models.ImportRowError{Row: rowNo, Value: explicit, Reason: "unknown source classification"}
	}

	// Organizational domains are auto-classified; consumer mail never is.
	if !isFreeMailDomain(email) {
		return models.CandidateSourceOrganic, nil
	}
	if defaultSource != "" {
		return models.CandidateSource(strings.ToUpper(defaultSource)), nil
	}
	return models.CandidateSourceDirect, nil
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return email[at+1:]
}

func isFreeMailDomain(email string) bool {
	return freeMailProviders[emailDomain(email)]
}
