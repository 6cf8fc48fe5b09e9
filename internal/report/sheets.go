package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/logger"
)

const (
	maxSheetTitle = 100
	// clearRange covers every column the exports write.
	clearRange = "A:ZZ"
)

var invalidTitleChars = regexp.MustCompile(`[:\\/?*\[\]]`)

// sanitizeTitle replaces characters Sheets rejects in tab titles and caps
// the length.
func sanitizeTitle(title string) string {
	title = strings.TrimSpace(invalidTitleChars.ReplaceAllString(title, " "))
	if r := []rune(title); len(r) > maxSheetTitle {
		title = string(r[:maxSheetTitle])
	}
	return title
}

// a1 builds an A1 range on a tab, quoting the title.
func a1(title, cells string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'!" + cells
}

// SheetLink is the browser URL of a spreadsheet.
func SheetLink(spreadsheetID string) string {
	return "https://docs.google.com/spreadsheets/d/" + spreadsheetID + "/edit"
}

// SheetsPublisher mirrors workbook sheets into tabs of a Google spreadsheet.
type SheetsPublisher struct {
	svc *sheets.Service
}

// NewSheetsPublisher authorizes with a stored OAuth token. A refreshed
// token is written back to tokenFile. There is no interactive consent flow:
// a missing token file is a configuration error.
func NewSheetsPublisher(ctx context.Context, clientSecretFile, tokenFile string) (*SheetsPublisher, error) {
	secret, err := os.ReadFile(clientSecretFile)
	if err != nil {
		return nil, &config.Error{Field: "GOOGLE_CLIENT_SECRET_FILE", Msg: err.Error()}
	}
	oauthCfg, err := google.ConfigFromJSON(secret, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, &config.Error{Field: "GOOGLE_CLIENT_SECRET_FILE", Msg: err.Error()}
	}

	tok, err := readToken(tokenFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &config.Error{Field: "GOOGLE_TOKEN_FILE", Msg: fmt.Sprintf("%s not found; authorize once and store the token there", tokenFile)}
		}
		return nil, &config.Error{Field: "GOOGLE_TOKEN_FILE", Msg: err.Error()}
	}

	ts := &persistingTokenSource{
		ctx:  ctx,
		base: oauthCfg.TokenSource(ctx, tok),
		path: tokenFile,
		last: tok.AccessToken,
	}
	svc, err := sheets.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("NewSheetsPublisher: %w", err)
	}
	return &SheetsPublisher{svc: svc}, nil
}

// NewSheetsPublisherWithService wraps an existing client.
func NewSheetsPublisherWithService(svc *sheets.Service) *SheetsPublisher {
	return &SheetsPublisher{svc: svc}
}

// EnsureTab returns the id of the tab titled title, creating it if needed.
func (p *SheetsPublisher) EnsureTab(ctx context.Context, spreadsheetID, title string) (int64, error) {
	title = sanitizeTitle(title)

	ss, err := p.svc.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("EnsureTab: get spreadsheet: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == title {
			return sh.Properties.SheetId, nil
		}
	}

	resp, err := p.svc.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: title}},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("EnsureTab: add %q: %w", title, err)
	}
	if len(resp.Replies) == 0 || resp.Replies[0].AddSheet == nil || resp.Replies[0].AddSheet.Properties == nil {
		return 0, fmt.Errorf("EnsureTab: add %q: empty reply", title)
	}
	return resp.Replies[0].AddSheet.Properties.SheetId, nil
}

// ClearTab empties the tab's cells, creating the tab if needed.
func (p *SheetsPublisher) ClearTab(ctx context.Context, spreadsheetID, title string) error {
	title = sanitizeTitle(title)
	if _, err := p.EnsureTab(ctx, spreadsheetID, title); err != nil {
		return err
	}
	_, err := p.svc.Spreadsheets.Values.Clear(spreadsheetID, a1(title, clearRange), &sheets.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("ClearTab: %q: %w", title, err)
	}
	return nil
}

// WriteSheet writes a header row and the sheet's rows from A1. Values are
// entered as if typed, so numbers and dates stay typed in the spreadsheet.
func (p *SheetsPublisher) WriteSheet(ctx context.Context, spreadsheetID string, sheet Sheet) error {
	title := sanitizeTitle(sheet.Name)
	if _, err := p.EnsureTab(ctx, spreadsheetID, title); err != nil {
		return err
	}

	values := make([][]interface{}, 0, len(sheet.Rows)+1)
	header := make([]interface{}, len(sheet.Columns))
	for i, c := range sheet.Columns {
		header[i] = c
	}
	values = append(values, header)
	for _, row := range sheet.Rows {
		out := make([]interface{}, len(row))
		for i, v := range row {
			out[i] = sheetsValue(v)
		}
		values = append(values, out)
	}

	_, err := p.svc.Spreadsheets.Values.Update(spreadsheetID, a1(title, "A1"), &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("WriteSheet: %q: %w", title, err)
	}
	return nil
}

// Publish replaces the content of one tab per workbook sheet.
func (p *SheetsPublisher) Publish(ctx context.Context, spreadsheetID string, wb *Workbook) error {
	for _, sheet := range wb.Sheets {
		if err := p.ClearTab(ctx, spreadsheetID, sheet.Name); err != nil {
			return fmt.Errorf("Publish: %w", err)
		}
		if err := p.WriteSheet(ctx, spreadsheetID, sheet); err != nil {
			return fmt.Errorf("Publish: %w", err)
		}
	}
	return nil
}

// sheetsValue keeps numbers and booleans typed and renders everything else
// as text. Missing values become empty cells.
func sheetsValue(v any) interface{} {
	switch x := v.(type) {
	case nil:
		return ""
	case decimal.Decimal:
		return x.InexactFloat64()
	case int, int32, int64, float32, float64, bool:
		return x
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05")
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// storedToken accepts both the oauth2 field names and the "token" field
// written by Google's Python client libraries.
type storedToken struct {
	AccessToken  string    `json:"access_token,omitempty"`
	Token        string    `json:"token,omitempty"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func readToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st storedToken
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	tok := &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		TokenType:    st.TokenType,
		Expiry:       st.Expiry,
	}
	if tok.AccessToken == "" {
		tok.AccessToken = st.Token
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("%s holds neither an access nor a refresh token", path)
	}
	return tok, nil
}

func writeToken(path string, tok *oauth2.Token) error {
	b, err := json.MarshalIndent(storedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// persistingTokenSource saves every newly minted token so the next process
// starts from it.
type persistingTokenSource struct {
	ctx  context.Context
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := writeToken(s.path, tok); err != nil {
			log := logger.FromContext(s.ctx)
			log.Warn().Err(err).Str("path", s.path).Msg("Could not save refreshed Google token")
		} else {
			s.last = tok.AccessToken
		}
	}
	return tok, nil
}
