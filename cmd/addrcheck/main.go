package main

import (
	"context"
	"log"
	"time"

	"github.com/simulopen/simulopen/types/netcheck"
)

func main() {
	log.SetFlags(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var r netcheck.Resolver

	local := r.LocalAddress(ctx)
	public := r.PublicAddress(ctx)

	log.Printf("local  : %v", local)
	log.Printf("public : %v", public)

	if public == local {
		log.Printf("note   : public discovery degraded to the local address")
	}
	if netcheck.IsPrivate(public) {
		log.Printf("warning: address is not publicly routable, NAT traversal from outside will fail")
	}
}
