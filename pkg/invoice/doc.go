// Package invoice generates invoices from un-invoiced usage.
//
// An invoice is created as a draft, filled with one item per (event type,
// number) group, totalled with tax and issued. Each consumed usage event is then
// linked to the item that billed it, so the same event is never billed twice.
//
// Invoice numbers have the form INV-YYYYMM-NNNN. The default CountSequencer
// derives NNNN from the invoices already created this month; RedisSequencer
// allocates it atomically for deployments running more than one generator.
//
// Rendered documents are optional. WithPDF wires a Renderer and an ObjectStore;
// BackfillMissingPDFs retries invoices whose document was never stored.
package invoice
