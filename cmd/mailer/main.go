// Command mailer sends one campaign straight from a CSV file, without the
// server, database, or Redis. Delivery is sequential and paced to the
// configured rate, with retries and an error report CSV.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/builtattic/bulkmailer/internal/config"
	"github.com/builtattic/bulkmailer/internal/delivery"
	"github.com/builtattic/bulkmailer/internal/domain"
	"github.com/builtattic/bulkmailer/internal/pkg/logger"
	"github.com/builtattic/bulkmailer/internal/recipients"
	"github.com/builtattic/bulkmailer/internal/template"
	"github.com/builtattic/bulkmailer/internal/worker"
)

// stringList collects repeatable flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var attachPaths stringList

	configPath := flag.String("config", "config.yaml", "path to config file")
	csvPath := flag.String("csv", "", "recipient CSV (email and first_name columns required)")
	subject := flag.String("subject", "", "subject template")
	subjectFile := flag.String("subject-file", "", "file containing the subject template")
	htmlFile := flag.String("html-file", "", "file containing the HTML body template")
	textFile := flag.String("text-file", "", "file containing the plain-text body template")
	rate := flag.Int("rate", 0, "sends per minute (overrides config)")
	batchSize := flag.Int("batch-size", 0, "sends per SMTP session (overrides config)")
	maxRetries := flag.Int("max-retries", -1, "retries per recipient (overrides config)")
	dryRun := flag.Bool("dry-run", false, "render without sending")
	errorsOut := flag.String("errors-out", "send_errors.csv", "where to write the error report")
	flag.Var(&attachPaths, "attach", "attachment file (repeatable)")
	flag.Parse()

	if *csvPath == "" {
		log.Fatal("[Mailer] -csv is required")
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("[Mailer] Load config: %v", err)
	}
	if *rate > 0 {
		cfg.Sending.RatePerMinute = *rate
	}
	if *batchSize > 0 {
		cfg.Sending.BatchSize = *batchSize
	}
	if *maxRetries >= 0 {
		cfg.Sending.MaxRetries = *maxRetries
	}
	if *dryRun {
		cfg.Sending.DryRun = true
	}

	subjectTpl, err := loadTemplate(*subject, *subjectFile)
	if err != nil {
		log.Fatalf("[Mailer] Subject: %v", err)
	}
	if subjectTpl == "" {
		log.Fatal("[Mailer] -subject or -subject-file is required")
	}
	htmlTpl, err := loadTemplateFile(*htmlFile)
	if err != nil {
		log.Fatalf("[Mailer] HTML body: %v", err)
	}
	textTpl, err := loadTemplateFile(*textFile)
	if err != nil {
		log.Fatalf("[Mailer] Text body: %v", err)
	}
	if htmlTpl == "" && textTpl == "" {
		log.Fatal("[Mailer] at least one of -html-file or -text-file is required")
	}

	engine := template.NewEngine()
	for name, tpl := range map[string]string{"subject": subjectTpl, "html": htmlTpl, "text": textTpl} {
		if tpl == "" {
			continue
		}
		if err := engine.Parse(tpl); err != nil {
			log.Fatalf("[Mailer] Invalid %s template: %v", name, err)
		}
	}

	attachments, err := loadAttachments(attachPaths)
	if err != nil {
		log.Fatalf("[Mailer] Attachments: %v", err)
	}

	recs, importResult, err := loadRecipients(*csvPath)
	if err != nil {
		log.Fatalf("[Mailer] Load recipients: %v", err)
	}
	log.Printf("[Mailer] Loaded %d recipients (%d skipped, %d errors)",
		importResult.ImportedCount, importResult.SkippedCount, importResult.ErrorCount)
	if len(recs) == 0 {
		log.Fatal("[Mailer] No valid recipients to send to")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sent, failed := run(ctx, cfg, engine, subjectTpl, htmlTpl, textTpl, attachments, recs, *errorsOut)

	log.Printf("[Mailer] Done: %d sent, %d failed", sent, len(failed))
	if len(failed) > 0 {
		os.Exit(1)
	}
}

// run delivers sequentially, pacing sends and retrying with backoff, and
// writes the error report when anything failed.
func run(
	ctx context.Context,
	cfg *config.Config,
	engine *template.Engine,
	subjectTpl, htmlTpl, textTpl string,
	attachments []delivery.Attachment,
	recs []domain.Recipient,
	errorsOut string,
) (sent int, failed []domain.SendError) {
	sender := delivery.NewSMTPSender(cfg.SMTP, cfg.Sending.BatchSize)
	defer sender.Close()

	delay := time.Duration(0)
	if cfg.Sending.RatePerMinute > 0 {
		delay = time.Minute / time.Duration(cfg.Sending.RatePerMinute)
	}

	for i := range recs {
		if ctx.Err() != nil {
			log.Printf("[Mailer] Interrupted, stopping after %d sends", sent)
			break
		}
		rec := &recs[i]
		renderCtx := rec.RenderContext()

		subject, err := engine.Render("cli:subject", subjectTpl, renderCtx)
		if err != nil {
			failed = append(failed, domain.SendError{Email: rec.Email, Error: fmt.Sprintf("render subject: %v", err), At: time.Now()})
			continue
		}
		var htmlBody, textBody string
		if htmlTpl != "" {
			if htmlBody, err = engine.Render("cli:html", htmlTpl, renderCtx); err != nil {
				failed = append(failed, domain.SendError{Email: rec.Email, Error: fmt.Sprintf("render html: %v", err), At: time.Now()})
				continue
			}
		}
		if textTpl != "" {
			if textBody, err = engine.Render("cli:text", textTpl, renderCtx); err != nil {
				failed = append(failed, domain.SendError{Email: rec.Email, Error: fmt.Sprintf("render text: %v", err), At: time.Now()})
				continue
			}
		}

		if cfg.Sending.DryRun {
			log.Printf("[Mailer] Dry run: would send %q to %s", subject, logger.RedactEmail(rec.Email))
			sent++
			continue
		}

		msg := &delivery.Message{
			From:        cfg.SMTP.From,
			To:          rec.Email,
			ReplyTo:     cfg.SMTP.ReplyTo,
			Subject:     subject,
			TextBody:    textBody,
			HTMLBody:    htmlBody,
			Attachments: attachments,
		}

		if err := sendWithRetries(ctx, sender, msg, cfg.Sending.MaxRetries); err != nil {
			log.Printf("[Mailer] Failed %s: %v", logger.RedactEmail(rec.Email), err)
			failed = append(failed, domain.SendError{
				Email:    rec.Email,
				Error:    err.Error(),
				Attempts: cfg.Sending.MaxRetries + 1,
				At:       time.Now(),
			})
			continue
		}
		sent++

		if delay > 0 && i < len(recs)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}

	if len(failed) > 0 {
		if err := writeErrorReport(errorsOut, failed); err != nil {
			log.Printf("[Mailer] Write error report: %v", err)
		} else {
			log.Printf("[Mailer] Error report written to %s", errorsOut)
		}
	}
	return sent, failed
}

// sendWithRetries attempts delivery up to maxRetries+1 times with backoff.
func sendWithRetries(ctx context.Context, sender delivery.Sender, msg *delivery.Message, maxRetries int) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := sender.Send(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt <= maxRetries {
			wait := worker.RetryBackoff(attempt)
			log.Printf("[Mailer] Attempt %d/%d failed (%v), retrying in %v", attempt, maxRetries+1, err, wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

// loadRecipients reads the whole CSV into memory. The standalone CLI keeps
// the strict contract: email and first_name columns are both required.
func loadRecipients(path string) ([]domain.Recipient, *recipients.ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var recs []domain.Recipient
	im := &recipients.Importer{RequireFirstName: true}
	result, err := im.Import(context.Background(), "cli", f, func(ctx context.Context, batch []domain.Recipient) error {
		recs = append(recs, batch...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return recs, result, nil
}

func loadTemplate(inline, path string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	return loadTemplateFile(path)
}

func loadTemplateFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func loadAttachments(paths []string) ([]delivery.Attachment, error) {
	var attachments []delivery.Attachment
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		contentType := mime.TypeByExtension(filepath.Ext(path))
		attachments = append(attachments, delivery.Attachment{
			Filename:    filepath.Base(path),
			ContentType: contentType,
			Data:        data,
		})
	}
	return attachments, nil
}

func writeErrorReport(path string, failed []domain.SendError) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"email", "error"}); err != nil {
		return err
	}
	for _, e := range failed {
		if err := w.Write([]string{e.Email, e.Error}); err != nil {
			return err
		}
	}
	return nil
}
