// Package dynamo implements the conditional key-value store on Amazon
// DynamoDB.
//
// # Table layout
//
// The store uses a single table with a composite primary key: partition key
// "pk" and sort key "sk", both strings. Every other attribute is
// application data and is marshalled through the attributevalue codec, with
// numbers decoded back to int64.
//
// # Conditional writes
//
// Put, Update, and Delete translate their preconditions into DynamoDB
// condition expressions. A failed precondition surfaces as
// [store.ErrConditionFailed]; throughput and account limit errors surface as
// [store.ErrProvisionExceeded] and [store.ErrLimitExceeded] so callers can
// retry them.
//
// # Usage
//
//	client := dynamo.New(&awsCfg, "snapvault-ops")
//	if err := client.Connect(); err != nil { ... }
//	if err := client.Init(ctx, false); err != nil { ... }
package dynamo
