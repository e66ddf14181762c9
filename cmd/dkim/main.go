package main

import (
	"fmt"
	"os"

	"github.com/iaasstore/restmailer/internal/utils"
)

// Prints the DNS TXT record to publish for a DKIM key, so deliverability
// can be set up before the first send.
func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: dkim <key.pem> <selector> <domain>")
		os.Exit(2)
	}
	keyPath, selector, domain := os.Args[1], os.Args[2], os.Args[3]

	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read key %s: %v\n", keyPath, err)
		os.Exit(1)
	}
	privKey, err := utils.ParseDkimKey(string(pemBytes))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse key %s: %v\n", keyPath, err)
		os.Exit(1)
	}
	record, err := utils.DkimTxtRecordContent(privKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to derive record: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s TXT %q\n", utils.DkimDomain(selector, domain), record)
}
