package main

import (
	"fmt"
	"os"

	"github.com/iaasstore/restmailer/internal/ingress"
)

func main() {
	if len(os.Args) != 2 {
		panic(fmt.Errorf("not enough arguments, please specify the token"))
	}

	fmt.Print(ingress.MustEncodeToken(os.Args[1]))
}
