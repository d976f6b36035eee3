package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// APIError represents a non-2xx response from the brokerage REST API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Body)
}

// pollInterval is how often WaitForExecution re-checks order status.
const pollInterval = 2 * time.Second

// outageThreshold is how long continuous request failures must persist
// before IsNetworkOutage reports true.
const outageThreshold = 60 * time.Second

// token caches the OAuth2 client-credentials access token.
type token struct {
	accessToken string
	expiresAt   time.Time
	issuedDay   string
}

func (t token) validFor(now time.Time) bool {
	if t.accessToken == "" {
		return false
	}
	if now.Format("2006-01-02") != t.issuedDay {
		return false
	}
	return t.expiresAt.Sub(now) > 10*time.Minute
}

// KISClient is the REST client for the KIS-style brokerage API: OAuth2
// token lifecycle, quote/OHLCV/account/order endpoints, rate-limited
// outside of order submission, and a network-outage flag the execution
// loop consults every cycle.
type KISClient struct {
	client    *http.Client
	baseURL   string
	appKey    string
	appSecret string
	accountNo string
	timeout   time.Duration

	limiter *rate.Limiter
	sf      singleflight.Group

	mu  sync.Mutex
	tok token

	failMu        sync.Mutex
	firstFailedAt time.Time
	outage        bool

	balanceMu      sync.Mutex
	cachedBalance  *AccountBalance
	balanceFetched time.Time
	balanceMaxAge  time.Duration

	logger *log.Logger
}

// NewKISClient creates a client for the given base URL and credentials.
// ratePerSec bounds non-order REST calls (token, quote, OHLCV, balance,
// status); order submission is never subject to this limiter, matching
// the no-auto-retry rule for place_buy/place_sell.
func NewKISClient(baseURL, appKey, appSecret, accountNo string, ratePerSec float64, logger *log.Logger) *KISClient {
	if logger == nil {
		logger = log.Default()
	}
	if ratePerSec <= 0 {
		ratePerSec = 15
	}
	return &KISClient{
		client:        &http.Client{Timeout: 15 * time.Second},
		baseURL:       strings.TrimRight(baseURL, "/"),
		appKey:        appKey,
		appSecret:     appSecret,
		accountNo:     accountNo,
		timeout:       15 * time.Second,
		limiter:       rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)),
		balanceMaxAge: 3 * time.Second,
		logger:        logger,
	}
}

// GetAccessToken returns the cached token, refreshing it if it's within
// 10 minutes of expiry or the calendar day changed. Concurrent callers
// collapse onto a single in-flight refresh via singleflight.
func (k *KISClient) GetAccessToken(ctx context.Context) (string, error) {
	now := time.Now()
	k.mu.Lock()
	cur := k.tok
	k.mu.Unlock()
	if cur.validFor(now) {
		return cur.accessToken, nil
	}

	v, err, _ := k.sf.Do("token", func() (interface{}, error) {
		return k.refreshToken(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("broker: refresh token: %w", err)
	}
	return v.(string), nil
}

func (k *KISClient) refreshToken(ctx context.Context) (string, error) {
	// Re-check under the singleflight key in case another caller already
	// refreshed while we were waiting to enter this function.
	now := time.Now()
	k.mu.Lock()
	cur := k.tok
	k.mu.Unlock()
	if cur.validFor(now) {
		return cur.accessToken, nil
	}

	body, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     k.appKey,
		"appsecret":  k.appSecret,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := k.doJSON(ctx, http.MethodPost, k.baseURL+"/oauth2/tokenP", "", bytes.NewReader(body), &resp, false); err != nil {
		return "", err
	}

	k.mu.Lock()
	k.tok = token{
		accessToken: resp.AccessToken,
		expiresAt:   time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		issuedDay:   time.Now().Format("2006-01-02"),
	}
	k.mu.Unlock()
	return resp.AccessToken, nil
}

// GetCurrentPrice returns the latest trade price; 0 means "no quote".
func (k *KISClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		Output struct {
			StckPrpr string `json:"stck_prpr"`
		} `json:"output"`
	}
	params := url.Values{"FID_COND_MRKT_DIV_CODE": {"J"}, "FID_INPUT_ISCD": {symbol}}
	endpoint := k.baseURL + "/uapi/domestic-stock/v1/quotations/inquire-price?" + params.Encode()
	if err := k.authedGET(ctx, endpoint, "FHKST01010100", &resp); err != nil {
		return 0, err
	}
	price, _ := strconv.ParseFloat(resp.Output.StckPrpr, 64)
	return price, nil
}

// GetDailyOHLCV returns up to n descending daily bars.
func (k *KISClient) GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]OHLCVBar, error) {
	var resp struct {
		Output2 []struct {
			Date  string `json:"stck_bsop_date"`
			Open  string `json:"stck_oprc"`
			High  string `json:"stck_hgpr"`
			Low   string `json:"stck_lwpr"`
			Close string `json:"stck_clpr"`
			Vol   string `json:"acml_vol"`
		} `json:"output2"`
	}
	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {symbol},
		"FID_PERIOD_DIV_CODE":    {"D"},
		"FID_ORG_ADJ_PRC":        {"1"},
	}
	endpoint := k.baseURL + "/uapi/domestic-stock/v1/quotations/inquire-daily-price?" + params.Encode()
	if err := k.authedGET(ctx, endpoint, "FHKST01010400", &resp); err != nil {
		return nil, err
	}

	bars := make([]OHLCVBar, 0, n)
	for _, row := range resp.Output2 {
		if len(bars) >= n {
			break
		}
		d, err := time.Parse("20060102", row.Date)
		if err != nil {
			continue
		}
		bars = append(bars, OHLCVBar{
			Date:   d,
			Open:   parseFloat(row.Open),
			High:   parseFloat(row.High),
			Low:    parseFloat(row.Low),
			Close:  parseFloat(row.Close),
			Volume: int64(parseFloat(row.Vol)),
		})
	}
	return bars, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

// GetAccountBalance returns cash plus per-symbol holdings. Results are
// cached in-process for a short age window; cache hits are logged but
// never reported as errors.
func (k *KISClient) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	k.balanceMu.Lock()
	if k.cachedBalance != nil && time.Since(k.balanceFetched) < k.balanceMaxAge {
		cached := k.cachedBalance
		k.balanceMu.Unlock()
		k.logger.Printf("broker: account balance cache hit (age=%s)", time.Since(k.balanceFetched))
		return cached, nil
	}
	k.balanceMu.Unlock()

	var resp struct {
		Output1 []struct {
			PdnoName string `json:"prdt_name"`
			Pdno     string `json:"pdno"`
			Qty      string `json:"hldg_qty"`
			AvgPrice string `json:"pchs_avg_pric"`
			CurPrice string `json:"prpr"`
		} `json:"output1"`
		Output2 []struct {
			DncaTotAmt string `json:"dnca_tot_amt"`
		} `json:"output2"`
	}
	params := url.Values{"CANO": {k.accountNo}, "AFHR_FLPR_YN": {"N"}}
	endpoint := k.baseURL + "/uapi/domestic-stock/v1/trading/inquire-balance?" + params.Encode()
	if err := k.authedGET(ctx, endpoint, "TTTC8434R", &resp); err != nil {
		return nil, err
	}

	bal := &AccountBalance{}
	if len(resp.Output2) > 0 {
		bal.Cash = parseFloat(resp.Output2[0].DncaTotAmt)
	}
	for _, h := range resp.Output1 {
		qty := int(parseFloat(h.Qty))
		if qty == 0 {
			continue
		}
		bal.Holdings = append(bal.Holdings, Holding{
			Symbol:       h.Pdno,
			Name:         h.PdnoName,
			Qty:          qty,
			AvgPrice:     parseFloat(h.AvgPrice),
			CurrentPrice: parseFloat(h.CurPrice),
		})
	}

	k.balanceMu.Lock()
	k.cachedBalance = bal
	k.balanceFetched = time.Now()
	k.balanceMu.Unlock()
	return bal, nil
}

// PlaceBuy submits a buy order. Acceptance is never treated as a fill.
func (k *KISClient) PlaceBuy(ctx context.Context, symbol string, qty int, price float64, orderType OrderType) (*OrderAck, error) {
	return k.placeOrder(ctx, symbol, qty, price, orderType, "01")
}

// PlaceSell submits a sell order.
func (k *KISClient) PlaceSell(ctx context.Context, symbol string, qty int, price float64, orderType OrderType) (*OrderAck, error) {
	return k.placeOrder(ctx, symbol, qty, price, orderType, "02")
}

// placeOrder never retries: a duplicate submission risks a duplicate
// fill, so the caller (the order synchronizer) is the only layer allowed
// to resubmit, and only after observing a terminal OrderState.
func (k *KISClient) placeOrder(ctx context.Context, symbol string, qty int, price float64, orderType OrderType, trID string) (*OrderAck, error) {
	priceStr := "0"
	ordDvsn := "01" // market
	if orderType == OrderTypeLimit {
		ordDvsn = "00"
		priceStr = fmt.Sprintf("%.0f", price)
	}

	body, err := json.Marshal(map[string]string{
		"CANO":        k.accountNo,
		"PDNO":        symbol,
		"ORD_DVSN":    ordDvsn,
		"ORD_QTY":     strconv.Itoa(qty),
		"ORD_UNPR":    priceStr,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		RtCd    string `json:"rt_cd"`
		MsgCd   string `json:"msg_cd"`
		Msg1    string `json:"msg1"`
		Output  struct {
			OrderNo string `json:"ODNO"`
		} `json:"output"`
	}
	endpoint := k.baseURL + "/uapi/domestic-stock/v1/trading/order-cash"
	if err := k.doJSON(ctx, http.MethodPost, endpoint, trID, bytes.NewReader(body), &resp, true); err != nil {
		return &OrderAck{Accepted: false, Raw: err.Error()}, err
	}

	accepted := resp.RtCd == "0"
	return &OrderAck{Accepted: accepted, OrderNo: resp.Output.OrderNo, Raw: resp.Msg1}, nil
}

// WaitForExecution polls order status roughly every 2s until the order
// is completely filled, the timeout elapses (in which case the remainder
// is cancelled), or the context is cancelled.
func (k *KISClient) WaitForExecution(ctx context.Context, orderNo string, expectedQty int, timeout time.Duration) (*ExecutionResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		filled, avgPrice, err := k.orderStatus(ctx, orderNo)
		if err != nil {
			return nil, err
		}
		if filled >= expectedQty {
			return &ExecutionResult{Status: ExecFilled, FilledQty: filled, AvgPrice: avgPrice}, nil
		}
		if time.Now().After(deadline) {
			_ = k.CancelOrder(ctx, orderNo)
			filled, avgPrice, _ = k.orderStatus(ctx, orderNo)
			if filled > 0 {
				return &ExecutionResult{Status: ExecPartial, FilledQty: filled, AvgPrice: avgPrice}, nil
			}
			return &ExecutionResult{Status: ExecTimeout, FilledQty: 0}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (k *KISClient) orderStatus(ctx context.Context, orderNo string) (filledQty int, avgPrice float64, err error) {
	var resp struct {
		Output []struct {
			OrderNo      string `json:"odno"`
			TotCcldQty   string `json:"tot_ccld_qty"`
			AvgPrvs      string `json:"avg_prvs"`
		} `json:"output"`
	}
	params := url.Values{"CANO": {k.accountNo}, "ODNO": {orderNo}}
	endpoint := k.baseURL + "/uapi/domestic-stock/v1/trading/inquire-order?" + params.Encode()
	if err := k.authedGET(ctx, endpoint, "TTTC8036R", &resp); err != nil {
		return 0, 0, err
	}
	for _, o := range resp.Output {
		if o.OrderNo == orderNo {
			return int(parseFloat(o.TotCcldQty)), parseFloat(o.AvgPrvs), nil
		}
	}
	return 0, 0, nil
}

// CancelOrder is best-effort: callers ignore its error when used from
// WaitForExecution's timeout path.
func (k *KISClient) CancelOrder(ctx context.Context, orderNo string) error {
	body, err := json.Marshal(map[string]string{
		"CANO":     k.accountNo,
		"ORGN_ODNO": orderNo,
		"RVSE_CNCL_DVSN_CD": "02",
	})
	if err != nil {
		return err
	}
	var resp struct {
		RtCd string `json:"rt_cd"`
	}
	endpoint := k.baseURL + "/uapi/domestic-stock/v1/trading/order-rvsecncl"
	return k.doJSON(ctx, http.MethodPost, endpoint, "TTTC0803U", bytes.NewReader(body), &resp, false)
}

// IsNetworkOutage reports whether continuous request failures have
// persisted for at least outageThreshold.
func (k *KISClient) IsNetworkOutage() bool {
	k.failMu.Lock()
	defer k.failMu.Unlock()
	return k.outage
}

func (k *KISClient) recordResult(err error) {
	k.failMu.Lock()
	defer k.failMu.Unlock()
	if err == nil {
		k.firstFailedAt = time.Time{}
		k.outage = false
		return
	}
	if k.firstFailedAt.IsZero() {
		k.firstFailedAt = time.Now()
	}
	if time.Since(k.firstFailedAt) >= outageThreshold {
		k.outage = true
	}
}

func (k *KISClient) authedGET(ctx context.Context, endpoint, trID string, out interface{}) error {
	return k.doJSON(ctx, http.MethodGet, endpoint, trID, http.NoBody, out, false)
}

// doJSON performs the HTTP round-trip, applying the rate limiter to every
// call except order submission (isOrder=true), and feeding the outcome
// into the network-outage tracker.
func (k *KISClient) doJSON(ctx context.Context, method, endpoint, trID string, body io.Reader, out interface{}, isOrder bool) error {
	if !isOrder {
		if err := k.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		k.recordResult(err)
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if trID != "" && endpoint != k.baseURL+"/oauth2/tokenP" {
		tok, err := k.GetAccessToken(ctx)
		if err != nil {
			k.recordResult(err)
			return err
		}
		req.Header.Set("authorization", "Bearer "+tok)
		req.Header.Set("appkey", k.appKey)
		req.Header.Set("appsecret", k.appSecret)
		req.Header.Set("tr_id", trID)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		k.recordResult(err)
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			k.logger.Printf("broker: failed to close response body: %v", cerr)
		}
	}()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode, Body: string(respBody)}
		k.recordResult(apiErr)
		return apiErr
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		k.recordResult(err)
		return err
	}
	k.recordResult(nil)
	return nil
}
