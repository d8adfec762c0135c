// Package config loads pricesync configuration from YAML.
//
// Values of the form ${VAR} are expanded from the environment before
// parsing, so secrets such as the stream API key and database password can
// stay out of the file:
//
//	stream:
//	  url: wss://prices.example.com/v1/stream
//	  api_key: ${PRICESYNC_API_KEY}
//	database:
//	  enabled: true
//	  timescale:
//	    host: localhost
//	    name: prices
//	    user: pricesync
//	    password: ${PRICESYNC_DB_PASSWORD}
//
// LoadAndValidate is the usual entry point. It applies defaults for every
// optional field and then checks the result.
package config
