// sign-url mints a signed playlist/segment URL for a SignedURL-enabled
// Application, the token-issuing step spec.md §4.5's admission
// algorithm assumes happens upstream of this server. Each invocation
// gets a fresh session id so HasPlaylistSession can distinguish
// concurrent viewers of the same stream.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/aperturemedia/aperture/publisher/segment"
)

func main() {
	cryptoKey := flag.String("crypto-key", "", "SignedURL CryptoKey configured for the Application")
	rawURL := flag.String("url", "", "canonical playlist or segment URL to sign, e.g. http://host/live/demo/playlist.m3u8")
	queryKey := flag.String("query-key", "token", "SignedURL QueryStringKey configured for the Application")
	allowedIP := flag.String("allowed-ip", "", "optional CIDR or IP the token is bound to")
	ttl := flag.Duration("ttl", time.Hour, "token validity window")
	flag.Parse()

	if *cryptoKey == "" || *rawURL == "" {
		fmt.Fprintln(os.Stderr, "usage: sign-url -crypto-key <key> -url <url> [-query-key token] [-allowed-ip cidr] [-ttl 1h]")
		os.Exit(1)
	}

	canon, err := segment.CanonicalQueryURL(*rawURL, *queryKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "canonicalizing URL:", err)
		os.Exit(1)
	}

	now := time.Now()
	sessionID := uuid.NewString()
	token := segment.EncodeToken(*cryptoKey, canon, *allowedIP, now.Add(*ttl), now.Add(*ttl), sessionID)

	fmt.Printf("%s?%s=%s\n", *rawURL, *queryKey, token)
}
