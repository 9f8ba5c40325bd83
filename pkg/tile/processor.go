package tile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "rasterstream/1.0"

// Client handles tile downloading and decoding
type Client struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
}

// NewClient creates a tile client. A zero timeout means no timeout.
func NewClient(userAgent string, timeout time.Duration, headers map[string]string) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		headers:   headers,
	}
}

// Download fetches the raw tile bytes from url
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.userAgent)
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	return io.ReadAll(resp.Body)
}

// Fetch downloads and decodes one tile, checking its size.
func (c *Client) Fetch(ctx context.Context, url string, tileSize int) (*ImageData, error) {
	data, err := c.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	if img.Width != tileSize || img.Height != tileSize {
		return nil, fmt.Errorf("wrong tile size: got %dx%d, expected %dx%d", img.Width, img.Height, tileSize, tileSize)
	}
	return img, nil
}

// Decode decodes any format registered with the image package
func Decode(data []byte) (*ImageData, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	nrgba := imaging.Clone(img)
	return &ImageData{
		Buf:    nrgba.Pix,
		Width:  nrgba.Rect.Dx(),
		Height: nrgba.Rect.Dy(),
	}, nil
}

// BuildURL replaces URL template tokens
func BuildURL(template string, zoom int, x, y uint32) string {
	url := template
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(zoom))
	url = strings.ReplaceAll(url, "{x}", strconv.FormatUint(uint64(x), 10))
	url = strings.ReplaceAll(url, "{y}", strconv.FormatUint(uint64(y), 10))
	// {s} picks one of the a/b/c subdomains
	if strings.Contains(url, "{s}") {
		subdomain := string(rune('a' + (x+y)%3))
		url = strings.ReplaceAll(url, "{s}", subdomain)
	}
	return url
}

// AlphaBlend blends two non-premultiplied pixels with alpha compositing
func AlphaBlend(src, dst [4]byte) [4]byte {
	as := float64(src[3]) / 255.0
	rs := float64(src[0]) / 255.0 * as
	gs := float64(src[1]) / 255.0 * as
	bs := float64(src[2]) / 255.0 * as

	ad := float64(dst[3]) / 255.0
	rd := float64(dst[0]) / 255.0 * ad
	gd := float64(dst[1]) / 255.0 * ad
	bd := float64(dst[2]) / 255.0 * ad

	ar := as*(1-ad) + ad
	rr := rs*(1-ad) + rd
	gr := gs*(1-ad) + gd
	br := bs*(1-ad) + bd

	if ar > 0 {
		return [4]byte{
			byte(rr/ar*255.0 + 0.5),
			byte(gr/ar*255.0 + 0.5),
			byte(br/ar*255.0 + 0.5),
			byte(ar*255.0 + 0.5),
		}
	}

	return [4]byte{0, 0, 0, 0}
}
