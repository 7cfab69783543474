package eventdb

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/certhub/threatpipe/internal/urlnorm"
	"github.com/certhub/threatpipe/pkg/errors"
)

// ProvisionalURLPrefix marks a stored `url` value as a provisional search
// key: the real URL lives in custom.url_data and must be reconstructed at
// query time.
const ProvisionalURLPrefix = "url-key:"

// urlNormCacheItem caches, per norm brief, the normalized forms of the
// request's url.b64 parameters.
type urlNormCacheItem struct {
	paramURLsNorm map[string]struct{} // nil when the request carries no url.b64
}

// legacyNormOpts is the only accepted legacy url_norm_opts value.
var legacyNormOpts = map[string]interface{}{
	"transcode1st": true,
	"epslash":      true,
	"rmzone":       true,
}

// preprocessResultDict applies the URL post-filter: reconstruct the original
// URL from url_data, normalize it under the stored brief, match it against
// the request's url.b64 values (if any) and substitute the provisional `url`
// field. A nil return drops the result. Malformed url_data drops the event
// with a logged error; an unexpected legacy option set is a hard error.
func (qp *queryProcessor) preprocessResultDict(rd ResultDict) (ResultDict, error) {
	var urlData map[string]interface{}
	if custom, ok := rd["custom"].(map[string]interface{}); ok {
		if raw, present := custom["url_data"]; present {
			urlData, _ = raw.(map[string]interface{})
			delete(custom, "url_data")
			if urlData == nil {
				qp.log.Error().Str("id", resultID(rd)).Msg("`url_data` is not a map (skipping this result dict)")
				return nil, nil
			}
		}
	}
	url, _ := rd["url"].(string)

	if urlData == nil {
		if strings.HasPrefix(url, ProvisionalURLPrefix) {
			qp.log.Error().Str("id", resultID(rd)).Msg(
				"`url` is a provisional search key but no `url_data` is present (skipping this result dict)")
			return nil, nil
		}
		// normal case: a traditional url, or none at all
		return rd, nil
	}
	if !strings.HasPrefix(url, ProvisionalURLPrefix) {
		qp.log.Error().Str("id", resultID(rd)).Msg(
			"`url_data` present but `url` is not a provisional search key (skipping this result dict)")
		return nil, nil
	}

	origB64, normBrief, err := unpackURLData(urlData)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeEventDatabase) {
			return nil, err
		}
		qp.log.Error().Err(err).Str("id", resultID(rd)).Msg("invalid `url_data` (skipping this result dict)")
		return nil, nil
	}

	origBytes, err := base64.URLEncoding.DecodeString(padB64(origB64))
	if err != nil {
		qp.log.Error().Err(err).Str("id", resultID(rd)).Msg("undecodable `orig_b64` (skipping this result dict)")
		return nil, nil
	}

	normalized, err := urlnorm.Normalize(origBytes, normBrief)
	if err != nil {
		qp.log.Error().Err(err).Str("id", resultID(rd)).Msg("cannot normalize the stored URL (skipping this result dict)")
		return nil, nil
	}

	paramURLs := qp.normalizedParamURLs(normBrief)
	if paramURLs != nil {
		if _, match := paramURLs[normalized]; !match {
			// application-level filtering
			return nil, nil
		}
	}

	rd["url"] = normalized
	return rd, nil
}

// unpackURLData accepts the current {orig_b64, norm_brief} format and the
// frozen legacy {url_orig, url_norm_opts} one. A legacy record whose options
// differ from the historical set cannot be interpreted and is a hard error.
func unpackURLData(urlData map[string]interface{}) (origB64, normBrief string, err error) {
	if raw, ok := urlData["orig_b64"]; ok {
		origB64, _ = raw.(string)
		normBrief, _ = urlData["norm_brief"].(string)
		if origB64 == "" || normBrief == "" || len(urlData) != 2 {
			return "", "", fmt.Errorf("url_data has keys %v, want exactly {orig_b64, norm_brief}", keysOf(urlData))
		}
		return origB64, normBrief, nil
	}
	if raw, ok := urlData["url_orig"]; ok {
		origB64, _ = raw.(string)
		opts, _ := urlData["url_norm_opts"].(map[string]interface{})
		if origB64 == "" || opts == nil || len(urlData) != 2 {
			return "", "", fmt.Errorf("url_data has keys %v, want exactly {url_orig, url_norm_opts}", keysOf(urlData))
		}
		for key, want := range legacyNormOpts {
			if got, ok := opts[key]; !ok || got != want {
				return "", "", errors.Newf(errors.ErrCodeEventDatabase,
					"unexpected legacy url_norm_opts: %v", opts)
			}
		}
		if len(opts) != len(legacyNormOpts) {
			return "", "", errors.Newf(errors.ErrCodeEventDatabase,
				"unexpected legacy url_norm_opts: %v", opts)
		}
		return origB64, urlnorm.LegacyNormBrief, nil
	}
	return "", "", fmt.Errorf("url_data has keys %v, want orig_b64 or url_orig", keysOf(urlData))
}

// normalizedParamURLs normalizes the request's url.b64 values under the
// given brief, caching per brief. Undecodable parameter values are silently
// skipped. Nil means the request carries no URL constraint.
func (qp *queryProcessor) normalizedParamURLs(normBrief string) map[string]struct{} {
	if item, ok := qp.urlNormCache[normBrief]; ok {
		return item.paramURLsNorm
	}
	var norm map[string]struct{}
	if qp.urlsB64 != nil {
		norm = make(map[string]struct{}, len(qp.urlsB64))
		for _, urlBytes := range qp.urlsB64 {
			if normalized, err := urlnorm.Normalize(urlBytes, normBrief); err == nil {
				norm[normalized] = struct{}{}
			}
		}
	}
	qp.urlNormCache[normBrief] = &urlNormCacheItem{paramURLsNorm: norm}
	return norm
}

func padB64(s string) string {
	if m := len(s) % 4; m != 0 {
		return s + strings.Repeat("=", 4-m)
	}
	return s
}

func resultID(rd ResultDict) string {
	if id, ok := rd["id"].(string); ok {
		return id
	}
	return "unknown"
}

func keysOf(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
