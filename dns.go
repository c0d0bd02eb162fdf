package main

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"whos.app/bubble"
	"whos.app/relay"
)

const (
	// dnsDeadline keeps answers inside what resolvers will wait for
	dnsDeadline = 4 * time.Second
	dnsTTL      = 60
	dnsFailure  = "ERRORE"
)

// dnsFrontend answers TXT queries of the form <words>.<zone> with the
// label the analysis backend picks for the words.
type dnsFrontend struct {
	analyzer relay.Analyzer
	zone     string
	timeout  time.Duration
	logger   zerolog.Logger
}

func newDNSFrontend(analyzer relay.Analyzer, zone string) *dnsFrontend {
	return &dnsFrontend{
		analyzer: analyzer,
		zone:     dns.Fqdn(strings.ToLower(zone)),
		timeout:  dnsDeadline,
		logger:   log.With().Str("component", "dns").Logger(),
	}
}

func newDNSServer(addr string, handler dns.Handler) *dns.Server {
	return &dns.Server{
		Addr:    addr,
		Net:     "udp",
		Handler: handler,
	}
}

// questionText turns "hello-there.whos.app." into "hello there". ok is
// false for names outside the zone or without any words.
func (d *dnsFrontend) questionText(name string) (string, bool) {
	name = strings.ToLower(dns.Fqdn(name))
	suffix := "." + d.zone
	if !strings.HasSuffix(name, suffix) {
		return "", false
	}
	words := strings.TrimSuffix(name, suffix)
	if words == "" {
		return "", false
	}
	text := strings.ReplaceAll(strings.ReplaceAll(words, ".", " "), "-", " ")
	return strings.Join(strings.Fields(text), " "), true
}

func (d *dnsFrontend) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		text, ok := d.questionText(q.Name)
		if !ok {
			m.Rcode = dns.RcodeNameError
			continue
		}
		if q.Qtype != dns.TypeTXT {
			continue
		}
		m.Answer = append(m.Answer, &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    dnsTTL,
			},
			Txt: txtChunks(d.answer(text)),
		})
	}

	if err := w.WriteMsg(m); err != nil {
		d.logger.Warn().Err(err).Msg("failed to write DNS answer")
	}
}

// answer relays text and reduces the result to its label.
func (d *dnsFrontend) answer(text string) string {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	logger := d.logger.With().
		Str("text_sig", generateSignature(text)).
		Int("text_len", len(text)).
		Logger()

	res, err := d.analyzer.Analyze(ctx, text)
	if err != nil {
		logger.Warn().Err(err).Msg("analysis backend failed")
		return dnsFailure
	}
	label, err := bubble.Label(res)
	if err != nil {
		logger.Error().Err(err).Msg("unusable analysis result")
		return dnsFailure
	}
	logger.Debug().Msg("answered TXT query")
	return "single=" + label
}

// txtChunks splits s into the 255 byte strings a TXT record carries.
func txtChunks(s string) []string {
	var out []string
	for i := 0; i < len(s); i += 255 {
		end := i + 255
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}
