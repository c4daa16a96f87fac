package cookies

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/thumperward/bandcamp-downloader/redact"
)

var ErrNoCookies = errors.New("no bandcamp cookies found")

// LoadJar reads a Netscape cookies.txt export and returns a jar holding the
// bandcamp.com cookies it contains. Cookies for other domains are ignored.
func LoadJar(logger zerolog.Logger, filename string) (jar http.CookieJar, err error) {
	f, err := os.Open(filename)
	if nil != err {
		return nil, fmt.Errorf("failed to open cookies file: %v", err)
	}
	defer func() {
		if closeErr := f.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close cookies file: %v", closeErr))
		}
	}()

	var parsed []*http.Cookie
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		c, err := parseLine(line)
		if nil != err {
			return nil, err
		}
		if c == nil {
			continue
		}

		parsed = append(parsed, c)
	}
	if err := scanner.Err(); nil != err {
		return nil, fmt.Errorf("failed to read cookies file: %v", err)
	}

	if len(parsed) == 0 {
		return nil, ErrNoCookies
	}

	dict := zerolog.Dict()
	for _, c := range parsed {
		dict.Str(c.Name, redact.String(c.Value))
	}
	logger.Debug().Dict("cookies", dict).Msg("Loaded Bandcamp cookies")

	j, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if nil != err {
		return nil, fmt.Errorf("failed to create cookie jar: %v", err)
	}

	u, err := url.Parse("https://bandcamp.com")
	if nil != err {
		return nil, fmt.Errorf("failed to parse bandcamp URL: %v", err)
	}
	j.SetCookies(u, parsed)

	return j, nil
}

// parseLine handles one tab-separated Netscape cookie line:
// domain, include-subdomains, path, secure, expiry, name, value.
func parseLine(line string) (*http.Cookie, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 7 {
		return nil, fmt.Errorf("malformed cookies file line: %q", line)
	}

	domain := strings.TrimPrefix(fields[0], ".")
	if !strings.HasSuffix(domain, "bandcamp.com") {
		return nil, nil
	}

	expiry, err := strconv.ParseInt(fields[4], 10, 64)
	if nil != err {
		return nil, fmt.Errorf("malformed cookie expiry in line: %q", line)
	}
	if expiry > 0 && time.Unix(expiry, 0).Before(time.Now()) {
		return nil, nil
	}

	//nolint:exhaustruct
	return &http.Cookie{
		Domain:  domain,
		Path:    fields[2],
		Secure:  fields[3] == "TRUE",
		Name:    fields[5],
		Value:   fields[6],
		Expires: time.Unix(expiry, 0),
	}, nil
}
