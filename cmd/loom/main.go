// Command loom runs adaptive task plans.
package main

func main() {
	Execute()
}
