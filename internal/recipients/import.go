package recipients

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/builtattic/bulkmailer/internal/domain"
)

var (
	ErrEmptyFile          = errors.New("file is empty")
	ErrNoHeaders          = errors.New("no headers detected in CSV file")
	ErrMissingEmailColumn = errors.New("CSV must contain an 'email' column")
)

const (
	// BatchInsertSize is the number of parsed rows flushed per batch.
	BatchInsertSize = 5000

	// MinHeaderConfidence is the detection threshold below which the first
	// row is treated as data rather than headers.
	MinHeaderConfidence = 0.6
)

// headerAliases maps system fields to common CSV header spellings.
var headerAliases = map[string][]string{
	"email":      {"email", "email_address", "e-mail", "emailaddress", "mail", "recipient", "recipient_email"},
	"first_name": {"first_name", "firstname", "first", "fname", "given_name", "givenname", "name"},
}

// HeaderDetectionResult describes whether the first CSV row looks like headers.
type HeaderDetectionResult struct {
	HasHeaders      bool     `json:"has_headers"`
	Confidence      float64  `json:"confidence"`
	Headers         []string `json:"headers"`
	TotalColumns    int      `json:"total_columns"`
	DetectionMethod string   `json:"detection_method"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
}

// ImportResult contains final import statistics.
type ImportResult struct {
	TotalRows     int64     `json:"total_rows"`
	ImportedCount int64     `json:"imported_count"`
	SkippedCount  int64     `json:"skipped_count"`
	ErrorCount    int64     `json:"error_count"`
	Errors        []string  `json:"errors,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// BatchWriter persists a batch of parsed recipients.
type BatchWriter func(ctx context.Context, batch []domain.Recipient) error

// Importer streams recipient CSVs into campaign queues without loading the
// file into memory.
type Importer struct {
	// RequireFirstName rejects files whose header row lacks a first_name
	// column. The CLI keeps the original contract; the API does not.
	RequireFirstName bool
}

// NewImporter creates an importer with API defaults.
func NewImporter() *Importer {
	return &Importer{}
}

// DetectHeaders analyzes the first rows of a CSV to decide whether the file
// has a header row, using several weighted strategies.
func (im *Importer) DetectHeaders(reader io.Reader) (*HeaderDetectionResult, error) {
	csvReader := csv.NewReader(bufio.NewReader(reader))
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = true

	firstRow, err := csvReader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, ErrEmptyFile
		}
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(firstRow) == 0 {
		return nil, ErrEmptyFile
	}

	var sampleRows [][]string
	for i := 0; i < 5; i++ {
		row, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		sampleRows = append(sampleRows, row)
	}

	result := analyzeHeaders(firstRow, sampleRows)
	if !result.HasHeaders {
		result.RejectionReason = fmt.Sprintf(
			"No headers detected (confidence: %.0f%%). The first row appears to be data, not column names.",
			result.Confidence*100,
		)
	}
	return result, nil
}

// analyzeHeaders scores the first row against several header heuristics.
func analyzeHeaders(firstRow []string, sampleRows [][]string) *HeaderDetectionResult {
	result := &HeaderDetectionResult{
		Headers:      firstRow,
		TotalColumns: len(firstRow),
	}

	var scores []float64
	var methods []string

	knownScore := scoreKnownHeaders(firstRow)
	scores = append(scores, knownScore)
	methods = append(methods, fmt.Sprintf("known_headers:%.2f", knownScore))

	if len(sampleRows) > 0 {
		typeScore := scoreTypeConsistency(firstRow, sampleRows)
		scores = append(scores, typeScore)
		methods = append(methods, fmt.Sprintf("type_consistency:%.2f", typeScore))
	}

	emailScore := scoreEmailPattern(firstRow, sampleRows)
	scores = append(scores, emailScore)
	methods = append(methods, fmt.Sprintf("email_pattern:%.2f", emailScore))

	numericScore := scoreNumericPattern(firstRow)
	scores = append(scores, numericScore)
	methods = append(methods, fmt.Sprintf("numeric:%.2f", numericScore))

	// Known header matches weighted highest
	weights := []float64{0.4, 0.3, 0.2, 0.1}
	var total float64
	for i, score := range scores {
		if i < len(weights) {
			total += score * weights[i]
		}
	}

	result.Confidence = total
	result.HasHeaders = total >= MinHeaderConfidence
	result.DetectionMethod = strings.Join(methods, ", ")
	return result
}

// scoreKnownHeaders checks how many columns match known field names.
func scoreKnownHeaders(headers []string) float64 {
	if len(headers) == 0 {
		return 0
	}
	matched := 0
	for _, header := range headers {
		normalized := normalizeHeader(header)
		for _, aliases := range headerAliases {
			for _, alias := range aliases {
				if normalized == alias {
					matched++
					break
				}
			}
		}
	}
	return float64(matched) / float64(len(headers))
}

// scoreTypeConsistency checks if the first row has different data shapes
// than the rows below it.
func scoreTypeConsistency(firstRow []string, dataRows [][]string) float64 {
	if len(dataRows) == 0 {
		return 0.5
	}

	differentColumns := 0
	for colIdx, firstValue := range firstRow {
		isFirstNumeric := isNumericString(firstValue)
		isFirstEmail := strings.Contains(firstValue, "@")

		numericCount := 0
		emailCount := 0
		for _, row := range dataRows {
			if colIdx < len(row) {
				if isNumericString(row[colIdx]) {
					numericCount++
				}
				if strings.Contains(row[colIdx], "@") {
					emailCount++
				}
			}
		}

		if !isFirstNumeric && numericCount >= len(dataRows)/2 {
			differentColumns++
		}
		if !isFirstEmail && emailCount >= len(dataRows)/2 {
			differentColumns++
		}
	}

	if len(firstRow) == 0 {
		return 0
	}
	return float64(differentColumns) / float64(len(firstRow))
}

// scoreEmailPattern checks whether emails appear in data rows but not in the
// candidate header row.
func scoreEmailPattern(firstRow []string, dataRows [][]string) float64 {
	headerHasEmail := false
	for _, cell := range firstRow {
		if emailPattern.MatchString(strings.TrimSpace(cell)) {
			headerHasEmail = true
			break
		}
	}

	dataHasEmail := false
	for _, row := range dataRows {
		for _, cell := range row {
			if emailPattern.MatchString(strings.TrimSpace(cell)) {
				dataHasEmail = true
				break
			}
		}
		if dataHasEmail {
			break
		}
	}

	if headerHasEmail && dataHasEmail {
		return 0.0
	}
	if !headerHasEmail && dataHasEmail {
		return 1.0
	}
	return 0.5
}

// scoreNumericPattern penalizes mostly-numeric first rows.
func scoreNumericPattern(firstRow []string) float64 {
	numericCount := 0
	for _, cell := range firstRow {
		if isNumericString(cell) {
			numericCount++
		}
	}
	if len(firstRow) > 0 && float64(numericCount)/float64(len(firstRow)) > 0.5 {
		return 0.0
	}
	return 0.7
}

// Import streams the CSV, validating and deduplicating addresses, and flushes
// parsed recipients to writer in batches. Every column beyond email and
// first_name is captured as a merge field for template rendering.
func (im *Importer) Import(ctx context.Context, campaignID string, reader io.Reader, writer BatchWriter) (*ImportResult, error) {
	startTime := time.Now()

	csvReader := csv.NewReader(bufio.NewReaderSize(reader, 1024*1024))
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = true

	header, err := csvReader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, ErrEmptyFile
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	emailIdx := -1
	firstNameIdx := -1
	normalized := make([]string, len(header))
	for i, h := range header {
		normalized[i] = normalizeHeader(h)
		if emailIdx < 0 && matchesAlias("email", normalized[i]) {
			emailIdx = i
		}
		if firstNameIdx < 0 && matchesAlias("first_name", normalized[i]) {
			firstNameIdx = i
		}
	}
	if emailIdx < 0 {
		return nil, ErrMissingEmailColumn
	}
	if im.RequireFirstName && firstNameIdx < 0 {
		return nil, errors.New("CSV must contain a 'first_name' column")
	}

	var totalRows, imported, skipped, errorCount int64
	var sampleErrors []string
	seenEmails := make(map[string]bool)

	var batch []domain.Recipient
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := writer(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errorCount++
			if len(sampleErrors) < 10 {
				sampleErrors = append(sampleErrors, fmt.Sprintf("Row %d: parse error: %v", totalRows+1, err))
			}
			continue
		}

		totalRows++

		if emailIdx >= len(record) {
			errorCount++
			continue
		}

		email := NormalizeEmail(record[emailIdx])
		if email == "" || !IsValidEmail(email) {
			skipped++
			if len(sampleErrors) < 10 {
				sampleErrors = append(sampleErrors, fmt.Sprintf("Row %d: invalid email '%s'", totalRows, email))
			}
			continue
		}

		if seenEmails[email] {
			skipped++
			continue
		}
		seenEmails[email] = true

		r := domain.Recipient{
			ID:          uuid.New().String(),
			CampaignID:  campaignID,
			Email:       email,
			Status:      domain.RecipientPending,
			MergeFields: make(map[string]string),
			CreatedAt:   time.Now(),
		}
		if firstNameIdx >= 0 && firstNameIdx < len(record) {
			r.FirstName = strings.TrimSpace(record[firstNameIdx])
		}
		for i, name := range normalized {
			if i == emailIdx || i == firstNameIdx || name == "" || i >= len(record) {
				continue
			}
			value := strings.TrimSpace(record[i])
			if value != "" {
				r.MergeFields[name] = value
			}
		}

		batch = append(batch, r)
		imported++

		if len(batch) >= BatchInsertSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}

	duration := time.Since(startTime)
	log.Printf("[Import] Campaign %s: %d rows, %d imported, %d skipped, %d errors in %.2fs",
		campaignID, totalRows, imported, skipped, errorCount, duration.Seconds())

	return &ImportResult{
		TotalRows:     totalRows,
		ImportedCount: imported,
		SkippedCount:  skipped,
		ErrorCount:    errorCount,
		Errors:        sampleErrors,
		CompletedAt:   time.Now(),
	}, nil
}

// matchesAlias reports whether a normalized header maps to a system field.
func matchesAlias(field, normalized string) bool {
	for _, alias := range headerAliases[field] {
		if normalized == alias {
			return true
		}
	}
	return false
}

// normalizeHeader lowercases a header and folds separators to underscores.
func normalizeHeader(header string) string {
	normalized := strings.ToLower(strings.TrimSpace(header))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	return normalized
}

func isNumericString(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' && c != '-' && c != '+' {
			return false
		}
	}
	return true
}
