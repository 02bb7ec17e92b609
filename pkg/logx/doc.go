// Package logx is oxdaily's structured logger, a thin layer over zerolog.
//
// A Logger obtained from a Service follows Service.Apply, so level and sink
// changes from a config reload reach every component without re-wiring.
// Console output is human readable unless JSON is set; the file sink always
// writes JSON lines.
package logx
