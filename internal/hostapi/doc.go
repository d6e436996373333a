// Package hostapi defines how host functionality is exposed to programs: APIs
// installed as global tables, the context a host method receives when it is
// called, and the built-in os and term APIs.
package hostapi
