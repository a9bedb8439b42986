package header

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
)

const (
	lowerAlpha     = "abcdefghijklmnopqrstuvwxyz"
	lowerAlphaNum  = lowerAlpha + "0123456789"
	staticStatsig  = "ZTpUeXBlRXJyb3I6IENhbm5vdCByZWFkIHByb3BlcnRpZXMgb2YgdW5kZWZpbmVkIChyZWFkaW5nICdjaGlsZE5vZGVzJyk="
)

// GenStatsigID returns the x-statsig-id anti-bot identifier. When dynamic is
// false it returns the fixed canned value every upstream client sends by
// default. When dynamic is true it mimics a real browser exception trace by
// templating a random fragment into one of two error-message shapes before
// base64-encoding — a coin flip decides which shape.
func GenStatsigID(dynamic bool) (string, error) {
	if !dynamic {
		return staticStatsig, nil
	}

	coin, err := randInt(2)
	if err != nil {
		return "", err
	}

	var message string
	if coin == 0 {
		frag, err := randString(5, lowerAlphaNum)
		if err != nil {
			return "", err
		}
		message = "e:TypeError: Cannot read properties of null (reading 'children['" + frag + "']')"
	} else {
		frag, err := randString(10, lowerAlpha)
		if err != nil {
			return "", err
		}
		message = "e:TypeError: Cannot read properties of undefined (reading '" + frag + "')"
	}

	return base64.StdEncoding.EncodeToString([]byte(message)), nil
}

func randString(n int, alphabet string) (string, error) {
	out := make([]byte, n)
	for i := range out {
		c, err := randInt(len(alphabet))
		if err != nil {
			return "", err
		}
		out[i] = alphabet[c]
	}
	return string(out), nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
