package main

// version of the ivshmsgd daemon.
const version = "0.2.0"
