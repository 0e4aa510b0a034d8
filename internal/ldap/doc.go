/*
Package ldap provides an LDAP client connection and execution engine.

This package implements the session layer of an LDAP client, with focus on:

# Architecture Overview

The package is organized into several core components:

  - Connection: Session façade owning lifecycle state, authentication and usage accounting
  - Strategies: Pluggable executors (Sync, Async, Restartable, Pooled)
  - OutstandingTable: Correlation of responses to requests by message id
  - Negotiator: Simple, anonymous and SASL (EXTERNAL, DIGEST-MD5, GSSAPI) binds
  - PagedSearch: Cookie-driven continuation of large searches

# Execution Strategies

Every Connection executes requests through exactly one Strategy:

  - SyncStrategy: The caller writes the request and reads until its response arrives
  - AsyncStrategy: One background receiver routes responses by message id
  - RestartableStrategy: Moves to the next pool server on transport failure, restores TLS and bind, and replays side-effect-free requests
  - PooledStrategy: Runs each request on one of a fixed set of bound connections

# Server Selection

Servers are described by Server and grouped in a ServerPool with
round-robin, first or random selection. SRVDiscovery builds a pool from
DNS SRV records.

# Error Handling

The package provides structured error handling through LDAPError:

  - Configuration and usage errors are returned before any I/O
  - Transport failures are ConnectionErrors and report whether they are retryable
  - Server-reported failures are returned in Response.Result, not as errors
  - Response.Err converts a failed result into a categorized LDAPError

# Thread Safety

Connection façade operations are serialized. Submit and GetResponse may be
used concurrently to pipeline requests on async strategies.

# Example Usage

	server, err := ldap.ParseServerURL("ldaps://dc1.example.com")
	if err != nil {
		return err
	}

	conn, err := ldap.NewConnection(ctx, server, ldap.WithConfig(&ldap.ConnectionConfig{
		User:     "CN=svc,CN=Users,DC=example,DC=com",
		Password: password,
		AutoBind: true,
	}))
	if err != nil {
		return err
	}
	defer conn.Close()

	entries, err := conn.PagedSearchAll(ctx, &ldap.SearchRequest{
		BaseDN:     "DC=example,DC=com",
		Scope:      ldap.ScopeWholeSubtree,
		Filter:     "(objectClass=user)",
		Attributes: []string{"sAMAccountName"},
	}, 500, false)
*/
package ldap
