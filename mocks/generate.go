package mocks

//go:generate mockgen -destination=./mock_client.go -package=mocks github.com/rickgao/pricesync/internal/connection Client
//go:generate mockgen -destination=./mock_network.go -package=mocks github.com/rickgao/pricesync/internal/connection NetworkMonitor
//go:generate mockgen -destination=./mock_quote_fetcher.go -package=mocks github.com/rickgao/pricesync/internal/poller QuoteFetcher
