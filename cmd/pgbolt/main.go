// Command pgbolt converts PostgreSQL statements to Firebolt SQL and keeps
// correcting them against a live database until they validate.
package main

func main() {
	Execute()
}
