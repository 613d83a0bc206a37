// Package stream encodes and decodes the line-oriented data stream sent to chat
// clients.
//
// Every record is a single line of the form <tag>:<json>\n:
//
//	0  text delta             "Hello"
//	g  reasoning delta        "thinking..."
//	9  complete tool call     {"toolCallId","toolName","args"}
//	b  tool call begin        {"toolCallId","toolName"}
//	c  tool call args delta   {"toolCallId","argsTextDelta"}
//	a  tool result            {"toolCallId","result"}
//	e  finish step            {"finishReason"}
//	d  done                   {"finishReason"}
//	3  error                  "message"
//
// A stream ends with exactly one d or 3 record. The Encoder refuses anything after
// it.
package stream
