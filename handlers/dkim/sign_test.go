package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Signer and its helpers exist only to build known-good signed fixtures for
// the verification tests in this package: the gateway itself never signs
// outbound mail, so nothing here is reachable from production code.

// Signer produces a DKIM-Signature header for a test fixture message.
type Signer struct {
	Domain                 string
	Selector               string
	PrivateKey             crypto.Signer
	Headers                []string
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization
	Hash                   string
	Identity               string
	Expiration             time.Duration
	OversignHeaders        bool
}

// Sign signs message and returns the DKIM-Signature header, including its
// trailing CRLF.
func (s *Signer) Sign(message []byte) (string, error) {
	headers, bodyOffset, err := parseMessageHeaders(message)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}
	body := message[bodyOffset:]
	return s.signWithCachedBodyHash(headers, body, make(map[bodyHashKey][]byte))
}

func (s *Signer) getAlgorithm() (Algorithm, string, error) {
	hashAlg := s.Hash
	if hashAlg == "" {
		hashAlg = "sha256"
	}

	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		switch strings.ToLower(hashAlg) {
		case "sha256":
			return AlgRSASHA256, "sha256", nil
		case "sha1":
			return AlgRSASHA1, "sha1", nil
		default:
			return "", "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
		}
	case ed25519.PrivateKey:
		return AlgEd25519SHA256, "sha256", nil
	default:
		return "", "", fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, s.PrivateKey)
	}
}

// bodyHashKey caches a body hash by canonicalization and hash algorithm so
// SignMultiple need not recompute it per signer.
type bodyHashKey struct {
	simple bool
	hash   string
}

// SignMultiple signs message with every signer in signers and returns the
// concatenated DKIM-Signature headers.
func SignMultiple(message []byte, signers []Signer) (string, error) {
	if len(signers) == 0 {
		return "", nil
	}

	headers, bodyOffset, err := parseMessageHeaders(message)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}
	body := message[bodyOffset:]

	bodyHashes := make(map[bodyHashKey][]byte)
	var result strings.Builder
	for i := range signers {
		sig, err := signers[i].signWithCachedBodyHash(headers, body, bodyHashes)
		if err != nil {
			return "", fmt.Errorf("signer %d: %w", i, err)
		}
		result.WriteString(sig)
	}
	return result.String(), nil
}

func (s *Signer) signWithCachedBodyHash(headers []headerData, body []byte, bodyHashes map[bodyHashKey][]byte) (string, error) {
	fromCount := 0
	for _, h := range headers {
		if h.lkey == "from" {
			fromCount++
		}
	}
	if fromCount == 0 {
		return "", ErrFromRequired
	}
	if fromCount > 1 {
		return "", fmt.Errorf("%w: message has %d From headers, need exactly 1", ErrFromRequired, fromCount)
	}

	sig := NewSignature()
	sig.Version = 1
	sig.Domain = s.Domain
	sig.Selector = s.Selector

	alg, hashAlg, err := s.getAlgorithm()
	if err != nil {
		return "", err
	}
	sig.Algorithm = string(alg)

	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonRelaxed
	}
	sig.Canonicalization = string(headerCanon) + "/" + string(bodyCanon)

	signedHeaders := s.Headers
	if len(signedHeaders) == 0 {
		signedHeaders = DefaultSignedHeaders
	}
	hasFrom := false
	for _, h := range signedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		signedHeaders = append([]string{"From"}, signedHeaders...)
	}

	presentHeaders := make(map[string]int)
	for _, h := range headers {
		presentHeaders[h.lkey]++
	}

	var finalSignedHeaders []string
	for _, h := range signedHeaders {
		if presentHeaders[strings.ToLower(h)] > 0 {
			finalSignedHeaders = append(finalSignedHeaders, h)
		}
	}

	if s.OversignHeaders {
		headerCounts := make(map[string]int)
		for _, h := range finalSignedHeaders {
			headerCounts[strings.ToLower(h)]++
		}
		for _, h := range finalSignedHeaders {
			lh := strings.ToLower(h)
			count := presentHeaders[lh]
			for headerCounts[lh] < count+1 {
				finalSignedHeaders = append(finalSignedHeaders, h)
				headerCounts[lh]++
			}
		}
	}
	sig.SignedHeaders = finalSignedHeaders

	if s.Identity != "" {
		sig.Identity = s.Identity
	}

	sig.SignTime = timeNow().Unix()
	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration.Seconds())
	}

	h, ok := getHash(hashAlg)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
	}

	hk := bodyHashKey{simple: bodyCanon == CanonSimple, hash: strings.ToLower(hashAlg)}
	bodyHash, ok := bodyHashes[hk]
	if !ok {
		bodyHash, err = computeBodyHash(h.New(), bodyCanon, body)
		if err != nil {
			return "", fmt.Errorf("computing body hash: %w", err)
		}
		bodyHashes[hk] = bodyHash
	}
	sig.BodyHash = bodyHash

	sigHeader, err := sig.header(false)
	if err != nil {
		return "", fmt.Errorf("generating signature header: %w", err)
	}

	dataHash, err := computeDataHash(h.New(), headerCanon, headers, finalSignedHeaders, []byte(sigHeader))
	if err != nil {
		return "", fmt.Errorf("computing data hash: %w", err)
	}

	signature, err := signWithKey(s.PrivateKey, h, dataHash)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig.Signature = signature

	finalHeader, err := sig.header(true)
	if err != nil {
		return "", fmt.Errorf("generating final signature header: %w", err)
	}
	return finalHeader + "\r\n", nil
}

// header serializes sig back into wire form for the fixture builders above.
// includeSignature controls whether b= carries the real signature or is left
// empty for the pre-signing hash computation.
func (s *Signature) header(includeSignature bool) (string, error) {
	w := &headerWriter{}

	w.addf("", "DKIM-Signature: v=%d;", s.Version)
	w.addf(" ", "d=%s;", s.Domain)
	w.addf(" ", "s=%s;", s.Selector)
	w.addf(" ", "a=%s;", s.Algorithm)

	if s.Canonicalization != "" &&
		!strings.EqualFold(s.Canonicalization, "simple") &&
		!strings.EqualFold(s.Canonicalization, "simple/simple") {
		w.addf(" ", "c=%s;", s.Canonicalization)
	}
	if s.Identity != "" {
		w.addf(" ", "i=%s;", s.Identity)
	}
	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}
	if s.ExpireTime >= 0 {
		w.addf(" ", "x=%d;", s.ExpireTime)
	}

	if len(s.SignedHeaders) > 0 {
		for i, h := range s.SignedHeaders {
			sep := ""
			if i == 0 {
				h = "h=" + h
				sep = " "
			}
			if i < len(s.SignedHeaders)-1 {
				h += ":"
			} else {
				h += ";"
			}
			w.add(sep, h)
		}
	}

	w.addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))

	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}

	return w.String(), nil
}

// headerWriter folds a DKIM-Signature header across lines per RFC 5322.
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

func (w *headerWriter) add(sep, text string) {
	const maxLen = 76

	n := len(text)
	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+n > maxLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

func (w *headerWriter) addWrap(data []byte) {
	const maxLen = 76

	for len(data) > 0 {
		n := maxLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxLen - 1
		}
		if n > len(data) {
			n = len(data)
		}
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

func (w *headerWriter) String() string {
	return w.b.String()
}
