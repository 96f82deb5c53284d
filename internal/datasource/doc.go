// Package datasource turns probe lifecycles into startable data sources
// and chains them through filters.
//
// A DataSource pushes ir.Record values to a single DataListener. A Filter
// is a DataListener that forwards (some of) what it receives to the next
// listener. A Composite wires a scheduling source, an optional action
// fired on each of its emissions, and a filter chain.
package datasource
