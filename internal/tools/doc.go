// Package tools defines the wallet tool set exposed to the agent runtime.
// Tools are looked up by name from a registry; tools flagged as money-moving
// must pass human approval before Execute is called.
package tools
