package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("paxosd", "a replicated key-value store based on paxos",
		NewService())
}
