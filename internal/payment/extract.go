package payment

import (
	"encoding/json"
	"strings"
)

// generatedWallet is what the service needs out of a wallet generation response.
type generatedWallet struct {
	Xpub           string
	AccountKeyPath string
	Mnemonic       string
	Source         string
}

type xpubExtractor struct {
	name string
	path []string
}

// Gateway versions disagree on where the account key lives, so candidates are tried in order.
var xpubExtractors = []xpubExtractor{
	{name: "derivationScheme", path: []string{"derivationScheme"}},
	{name: "config.accountDerivation", path: []string{"config", "accountDerivation"}},
	{name: "config.derivationScheme", path: []string{"config", "derivationScheme"}},
	{name: "data.derivationScheme", path: []string{"data", "derivationScheme"}},
	{name: "accountDerivation", path: []string{"accountDerivation"}},
	{name: "xpub", path: []string{"xpub"}},
	{name: "accountKey", path: []string{"accountKey"}},
}

var keyPathExtractors = [][]string{
	{"accountKeyPath"},
	{"config", "accountKeySettings", "0", "accountKeyPath"},
	{"accountKeySettings", "0", "accountKeyPath"},
}

// extractWallet returns the first candidate accepted by normalize along with the optional mnemonic.
func extractWallet(raw json.RawMessage, normalize func(string) (string, error)) (*generatedWallet, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ErrXpubExtractionFailed
	}

	for _, ex := range xpubExtractors {
		candidate, ok := lookupString(doc, ex.path)
		if !ok || strings.TrimSpace(candidate) == "" {
			continue
		}
		xpub, err := normalize(candidate)
		if err != nil {
			continue
		}
		wallet := &generatedWallet{Xpub: xpub, Source: ex.name}
		wallet.Mnemonic, _ = lookupString(doc, []string{"mnemonic"})
		for _, path := range keyPathExtractors {
			if p, ok := lookupString(doc, path); ok && p != "" {
				wallet.AccountKeyPath = p
				break
			}
		}
		return wallet, nil
	}
	return nil, ErrXpubExtractionFailed
}

func lookupString(doc any, path []string) (string, bool) {
	cur := doc
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return "", false
			}
			cur = next
		case []any:
			if seg != "0" || len(node) == 0 {
				return "", false
			}
			cur = node[0]
		default:
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}
