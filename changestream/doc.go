// Package changestream moves row-level changes from the event log into the vault
// through a keyed topic.
//
// StreamChanges publishes each RowChange keyed by its table and business key, so
// every change of one entity lands on the same partition and is consumed in the
// order it was published. ProcessChanges consumes the topic, applies each record
// as an entity hub plus a hash-deduplicated satellite, and commits the offset
// only after the vault write succeeded. A crash between apply and commit
// redelivers the record, which the satellite hash rule turns into a no-op.
//
// Transports and codecs are looked up by name:
//
//	kafka   segmentio/kafka-go writer with a hash balancer and a consumer-group reader
//	nats    JetStream stream with a durable, explicitly acknowledged consumer
//	memory  in-process topic used by tests and single-process deployments
package changestream
