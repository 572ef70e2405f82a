package instruments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"tickstream/internal/model"
)

// DefaultScripMasterURL is the public SmartAPI instrument dump.
const DefaultScripMasterURL = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"

// ScripRecord is one row of the SmartAPI scrip master. All fields arrive as strings.
type ScripRecord struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
	TickSize       string `json:"tick_size"`
}

// exchangeTypes maps exch_seg to the feed's exchange type codes.
var exchangeTypes = map[string]int{
	"NSE":   1,
	"NFO":   2,
	"BSE":   3,
	"BFO":   4,
	"MCX":   5,
	"NCDEX": 7,
	"CDS":   13,
}

// ExchangeType returns the feed exchange code for an exchange segment, or 0.
func ExchangeType(seg string) int {
	return exchangeTypes[strings.ToUpper(seg)]
}

// LoadScripMaster reads the scrip master from an http(s) URL or a local file.
func LoadScripMaster(ctx context.Context, source string, client *http.Client) ([]ScripRecord, error) {
	var r io.ReadCloser
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if client == nil {
			client = &http.Client{Timeout: 60 * time.Second}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download scrip master: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("download scrip master: status %d", resp.StatusCode)
		}
		r = resp.Body
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("open scrip master: %w", err)
		}
		r = f
	}
	defer r.Close()

	var recs []ScripRecord
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode scrip master: %w", err)
	}
	return recs, nil
}

// ToInstrument converts a scrip master row. ok is false for rows without a
// numeric token.
func (s ScripRecord) ToInstrument() (model.Instrument, bool) {
	tok, err := strconv.ParseInt(strings.TrimSpace(s.Token), 10, 64)
	if err != nil {
		return model.Instrument{}, false
	}
	in := model.Instrument{
		Token:         tok,
		TradingSymbol: s.Symbol,
		Name:          s.Name,
		Kind:          kindOf(s),
		Exchange:      strings.ToUpper(s.ExchSeg),
		ExchangeType:  ExchangeType(s.ExchSeg),
	}
	if lot, err := strconv.Atoi(strings.TrimSpace(s.LotSize)); err == nil {
		in.LotSize = lot
	}
	if exp, err := time.ParseInLocation("02Jan2006", strings.TrimSpace(s.Expiry), model.IST); err == nil {
		in.Expiry = &exp
	}
	// Strikes are listed in paise.
	if st, err := decimal.NewFromString(strings.TrimSpace(s.Strike)); err == nil && st.IsPositive() {
		v := st.Shift(-2).InexactFloat64()
		in.Strike = &v
	}
	return in, true
}

func kindOf(s ScripRecord) model.InstrumentKind {
	it := strings.ToUpper(s.InstrumentType)
	switch {
	case strings.HasPrefix(it, "OPT"):
		if strings.HasSuffix(strings.ToUpper(s.Symbol), "PE") {
			return model.KindPE
		}
		return model.KindCE
	case strings.HasPrefix(it, "FUT"):
		return model.KindFUT
	case it == "AMXIDX":
		return model.KindIndex
	}
	return model.InstrumentKind(it)
}
