package voucher

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const defaultTemplate = `Абонемент
Услуга: {{service_name}}
Стоимость: {{price}} руб.
Посещений: {{visits}}
Дней заморозки: {{freezing}}
Документ: {{docId}}
Дата: {{date}}
Телефон: {{phone}}
E-mail: {{email}}`

const (
	qrSize    = 256
	qrSideMM  = 50.0
	logoWidth = 40.0
)

// Document содержит данные, которые выводятся в абонемент.
type Document struct {
	DocID       string
	ServiceName string
	Price       int64
	Visits      string
	Freezing    string
	Phone       string
	Email       string
	VoucherURL  string
	QRPayload   string
	IssuedAt    time.Time
}

// RendererOptions задаёт необязательные ресурсы оформления.
type RendererOptions struct {
	TemplatePath string
	LogoPath     string
	FontPath     string
}

// PDFRenderer формирует PDF из текстового шаблона с плейсхолдерами вида {{service_name}}.
// Первая строка шаблона выводится заголовком.
type PDFRenderer struct {
	template string
	logo     []byte
	logoType string
	font     []byte
	location *time.Location
	logger   *zap.Logger
}

// NewPDFRenderer загружает шаблон, логотип и шрифт. Нечитаемый шаблон заменяется встроенным,
// отсутствие логотипа или шрифта не является ошибкой.
func NewPDFRenderer(opts RendererOptions, logger *zap.Logger) *PDFRenderer {
	r := &PDFRenderer{
		template: defaultTemplate,
		location: moscow(),
		logger:   logger,
	}

	if opts.TemplatePath != "" {
		data, err := os.ReadFile(opts.TemplatePath)
		if err != nil || len(bytes.TrimSpace(data)) == 0 {
			logger.Warn("voucher template unreadable, using inline template",
				zap.String("path", opts.TemplatePath), zap.Error(err))
		} else {
			r.template = string(data)
		}
	}

	if opts.LogoPath != "" {
		data, err := os.ReadFile(opts.LogoPath)
		if err != nil {
			logger.Warn("voucher logo unreadable", zap.String("path", opts.LogoPath), zap.Error(err))
		} else {
			r.logo = data
			r.logoType = imageType(opts.LogoPath)
		}
	}

	if opts.FontPath != "" {
		data, err := os.ReadFile(opts.FontPath)
		if err != nil {
			logger.Warn("voucher font unreadable, non-latin text will be lost",
				zap.String("path", opts.FontPath), zap.Error(err))
		} else {
			r.font = data
		}
	}

	return r
}

// Lines возвращает строки абонемента после подстановки значений.
// Строки, в которых подставленное значение пусто, пропускаются.
func (r *PDFRenderer) Lines(doc Document) []string {
	repl := strings.NewReplacer(
		"{{service_name}}", doc.ServiceName,
		"{{price}}", strconv.FormatInt(doc.Price, 10),
		"{{visits}}", doc.Visits,
		"{{freezing}}", doc.Freezing,
		"{{docId}}", doc.DocID,
		"{{date}}", doc.IssuedAt.In(r.location).Format("2006-01-02 15:04"),
		"{{phone}}", doc.Phone,
		"{{email}}", doc.Email,
		"{{voucher_url}}", doc.VoucherURL,
	)

	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(r.template, "\r\n", "\n"), "\n") {
		hasPlaceholder := strings.Contains(line, "{{")
		out := strings.TrimRight(repl.Replace(line), " \t")
		if hasPlaceholder && strings.HasSuffix(out, ":") {
			continue
		}
		lines = append(lines, out)
	}
	return lines
}

// Render возвращает PDF-документ абонемента. Если логотип не удаётся встроить,
// документ формируется без него.
func (r *PDFRenderer) Render(doc Document) ([]byte, error) {
	data, err := r.render(doc, true)
	if err != nil && len(r.logo) > 0 {
		r.logger.Warn("render with logo failed, retrying without logo", zap.String("docId", doc.DocID), zap.Error(err))
		return r.render(doc, false)
	}
	return data, err
}

func (r *PDFRenderer) render(doc Document, withLogo bool) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Абонемент "+doc.DocID, true)

	family := "Helvetica"
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	if len(r.font) > 0 {
		pdf.AddUTF8FontFromBytes("voucher", "", r.font)
		family = "voucher"
		tr = func(s string) string { return s }
	}

	pdf.AddPage()

	if withLogo && len(r.logo) > 0 {
		opts := fpdf.ImageOptions{ImageType: r.logoType}
		pdf.RegisterImageOptionsReader("logo", opts, bytes.NewReader(r.logo))
		pdf.ImageOptions("logo", 15, 15, logoWidth, 0, false, opts, 0, "")
		pdf.SetY(15 + logoWidth/2 + 10)
	}

	lines := r.Lines(doc)
	for i, line := range lines {
		if i == 0 {
			pdf.SetFont(family, "", 20)
			pdf.MultiCell(0, 10, tr(line), "", "L", false)
			pdf.Ln(4)
			continue
		}
		pdf.SetFont(family, "", 12)
		pdf.MultiCell(0, 7, tr(line), "", "L", false)
	}

	if doc.QRPayload != "" {
		png, err := qrcode.Encode(doc.QRPayload, qrcode.Low, qrSize)
		if err != nil {
			r.logger.Warn("qr encode failed, voucher rendered without qr", zap.String("docId", doc.DocID), zap.Error(err))
		} else {
			opts := fpdf.ImageOptions{ImageType: "PNG"}
			pdf.RegisterImageOptionsReader("qr", opts, bytes.NewReader(png))
			pdf.Ln(6)
			pdf.ImageOptions("qr", 15, pdf.GetY(), qrSideMM, qrSideMM, false, opts, 0, "")
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func imageType(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "jpg", "jpeg":
		return "JPG"
	case "gif":
		return "GIF"
	default:
		return "PNG"
	}
}

func moscow() *time.Location {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}
