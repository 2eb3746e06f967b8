// Command desfire-keyswap changes a key on a DESFire EV1 card. Keys are
// typed interactively (hidden) or taken from a config file for the current
// key; the new key is always typed twice.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/andrade/nfcjlib/desfire"
	"github.com/andrade/nfcjlib/internal/config"
	"github.com/andrade/nfcjlib/pcsc"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (reader, card, auth)")
	readerIdx := flag.Int("reader", 0, "reader index (overridden by config)")
	keyNo := flag.Int("keyno", 0, "key number to change")
	typeName := flag.String("type", "aes", "new key type: des, 2k3des, 3k3des, aes")
	version := flag.Int("version", 0, "new key version (0..255)")
	flag.Parse()

	newType, ok := parseKeyType(*typeName)
	if !ok {
		fatal("unknown key type %q", *typeName)
	}

	var cfg *config.Config
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			fatal("%v", err)
		}
		*readerIdx = cfg.ReaderIndex()
	}

	conn, err := pcsc.Connect(*readerIdx)
	if err != nil {
		fatal("connect: %v", err)
	}
	card := desfire.New(conn)
	defer card.Disconnect()

	aid := []byte{0x00, 0x00, 0x00}
	authKeyNo := byte(0)
	authType := desfire.AES
	var authKey []byte

	if cfg != nil {
		if aid, err = cfg.AID(); err != nil {
			fatal("%v", err)
		}
		authKeyNo = cfg.KeyNo()
		authType, _ = parseKeyType(cfg.Auth.KeyType)
		if authKey, err = cfg.Key(); err != nil {
			fatal("%v", err)
		}
	} else {
		authKey = promptKey(fmt.Sprintf("current key for slot %d (hex)", authKeyNo))
	}

	if err := card.SelectApplication(aid); err != nil {
		fatal("select application: %v", err)
	}
	if _, err := card.Authenticate(authKey, authKeyNo, authType); err != nil {
		fatal("authenticate: %v (status 0x%02X)", err, card.LastCode())
	}
	fmt.Println("authenticated")

	newKey := promptKey("new key (hex)")
	again := promptKey("new key again (hex)")
	if !equalKeys(newKey, again) {
		fatal("keys do not match")
	}

	var oldKey []byte
	if byte(*keyNo)&0x0F != authKeyNo&0x0F {
		oldKey = promptKey(fmt.Sprintf("old key of slot %d (hex)", *keyNo))
	}

	err = card.ChangeKeyVersion(byte(*keyNo), byte(*version), newType, newKey, oldKey)
	if err != nil {
		fatal("change key: %v (status 0x%02X)", err, card.LastCode())
	}
	fmt.Printf("key %d changed to a %s key\n", *keyNo, newType)
}

func promptKey(prompt string) []byte {
	for {
		fmt.Printf("%s: ", prompt)
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fatal("read key: %v", err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(line)))
		if err != nil {
			fmt.Println("not valid hex, try again")
			continue
		}
		return key
	}
}

func parseKeyType(name string) (desfire.KeyType, bool) {
	switch strings.ToLower(name) {
	case "des":
		return desfire.DES, true
	case "2k3des":
		return desfire.TDES, true
	case "3k3des":
		return desfire.TKTDES, true
	case "aes", "":
		return desfire.AES, true
	default:
		return desfire.AES, false
	}
}

func equalKeys(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
